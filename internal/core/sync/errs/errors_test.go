package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromStatusClassification(t *testing.T) {
	cases := map[int]Kind{
		http.StatusInternalServerError: KindTransient,
		http.StatusBadGateway:          KindTransient,
		http.StatusTooManyRequests:     KindTransient,
		http.StatusRequestTimeout:      KindTransient,
		http.StatusBadRequest:          KindPermanent,
		http.StatusUnauthorized:        KindPermanent,
		http.StatusNotFound:            KindPermanent,
		http.StatusConflict:            KindPermanent,
	}
	for status, want := range cases {
		err := FromStatus("submit", status, "boom")
		assert.Equal(t, want, KindOf(err), "status %d", status)
	}
}

func TestSentinelMatching(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Validation("push.validate", errors.New("missing type")))
	assert.ErrorIs(t, err, ErrValidation)
	assert.NotErrorIs(t, err, ErrTransient)

	assert.ErrorIs(t, Corruption("poll", "negative count %d", -1), ErrDataCorruption)
	assert.ErrorIs(t, Ordering("push", "seq %d <= %d", 1, 3), ErrOrdering)
	assert.Contains(t, Permanent("submit", "Not Found", nil).Error(), "submit: permanent (Not Found)")
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindPermanent, KindOf(context.Canceled))
	assert.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.True(t, IsTransient(Transient("poll", errors.New("reset"))))
}
