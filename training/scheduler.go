package training

import (
	"math"
)

// LRScheduler computes a learning rate from the schedule position
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step.
	// This is a pure function - no state modifications
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Epochs to reach EtaMin
	EtaMin float64 // Final learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// SWALRScheduler anneals the learning rate from its value at the first SWA
// step to SWALR over AnnealEpochs steps with a cosine ramp, then holds it.
type SWALRScheduler struct {
	SWALR        float64
	AnnealEpochs int

	anneal  *CosineAnnealingLRScheduler
	startLR float64
	steps   int
	started bool
}

// NewSWALRScheduler creates an SWA scheduler; annealEpochs defaults to 10
func NewSWALRScheduler(swaLR float64, annealEpochs int) *SWALRScheduler {
	if annealEpochs <= 0 {
		annealEpochs = 10
	}
	return &SWALRScheduler{
		SWALR:        swaLR,
		AnnealEpochs: annealEpochs,
		anneal:       NewCosineAnnealingLRScheduler(annealEpochs, swaLR),
	}
}

// Step advances the schedule by one epoch and returns the new rate.
// currentLR is only read on the first call.
func (s *SWALRScheduler) Step(currentLR float64) float64 {
	if !s.started {
		s.startLR = currentLR
		s.started = true
	}
	s.steps++
	return s.GetLR(s.steps, 0, s.startLR)
}

// Steps returns how many times Step was called
func (s *SWALRScheduler) Steps() int {
	return s.steps
}

func (s *SWALRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return s.anneal.GetLR(epoch, step, baseLR)
}

func (s *SWALRScheduler) GetName() string {
	return "SWALR"
}

// ReduceLROnPlateauScheduler reduces LR when a metric has stopped improving.
// Improvement is relative: in min mode metric < best*(1-Threshold).
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Number of epochs with no improvement after which LR will be reduced
	Threshold float64 // Threshold for measuring the new optimum
	Mode      string  // One of "min" or "max"
	MinLR     float64

	bestMetric  float64
	badEpochs   int
	currentLR   float64
	reductions  int
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min"
	}

	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

func (s *ReduceLROnPlateauScheduler) improved(metric float64) bool {
	if s.Mode == "min" {
		return metric < s.bestMetric*(1-s.Threshold)
	}
	return metric > s.bestMetric*(1+s.Threshold)
}

// Step records the epoch's metric and returns the learning rate to use.
// The rate is reduced once more than Patience epochs pass without
// improvement.
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = math.Inf(1)
		if s.Mode == "max" {
			s.bestMetric = math.Inf(-1)
		}
		s.initialized = true
	}
	s.currentLR = currentLR

	if s.improved(metric) {
		s.bestMetric = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
	}

	if s.badEpochs > s.Patience {
		next := math.Max(s.currentLR*s.Factor, s.MinLR)
		if s.currentLR-next > 1e-8 {
			s.currentLR = next
			s.reductions++
		}
		s.badEpochs = 0
	}
	return s.currentLR
}

// Reductions returns how many times the rate was lowered
func (s *ReduceLROnPlateauScheduler) Reductions() int {
	return s.reductions
}

func (s *ReduceLROnPlateauScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}
