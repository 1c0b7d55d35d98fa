// Package ordernum allocates the platform's day-scoped order numbers.
//
// An order number is twelve digits: a YYYYMMDD date prefix followed by a
// zero-padded four digit sequence, e.g. "202501010001". Numbers sort
// lexicographically in allocation order within a day.
package ordernum

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	dateLayout  = "20060102"
	prefixLen   = 8
	sequenceLen = 4
	// Length is the total number of characters in an order number.
	Length      = prefixLen + sequenceLen
	maxSequence = 9999
)

var (
	// ErrMalformed is returned when the input is not a twelve digit order number.
	ErrMalformed = errors.New("ordernum: malformed order number")
	// ErrSequenceExhausted is returned when a day has already used sequence 9999.
	ErrSequenceExhausted = errors.New("ordernum: daily sequence exhausted")
)

// Sentinel returns the "no orders yet" value for the given day, which Next
// turns into the day's first order number.
func Sentinel(day time.Time) string {
	return DayPrefix(day) + "0000"
}

// DayPrefix returns the YYYYMMDD prefix shared by every order number of day.
func DayPrefix(day time.Time) string {
	return day.Format(dateLayout)
}

// Next returns the order number following last, keeping its date prefix.
// last is normally the current maximum for the day or Sentinel(day).
func Next(last string) (string, error) {
	if len(last) != Length || !allDigits(last) {
		return "", fmt.Errorf("%w: %q", ErrMalformed, last)
	}

	seq, err := strconv.Atoi(last[prefixLen:])
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrMalformed, last)
	}
	if seq >= maxSequence {
		return "", fmt.Errorf("%w: %s", ErrSequenceExhausted, last[:prefixLen])
	}

	return fmt.Sprintf("%s%0*d", last[:prefixLen], sequenceLen, seq+1), nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
