package rampup

// Immediate starts all the minions at once.
type Immediate struct{}

// Iterator implements Strategy.
func (Immediate) Iterator(totalMinions int, speedFactor float64) (Iterator, error) {
	if err := validateRun(totalMinions, speedFactor); err != nil {
		return nil, err
	}
	return &immediateIterator{remaining: totalMinions}, nil
}

type immediateIterator struct {
	remaining int
}

func (it *immediateIterator) Next() StartingLine {
	count := max(it.remaining, 0)
	it.remaining = 0
	return StartingLine{Count: count}
}
