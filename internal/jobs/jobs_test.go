package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRejectsBadSpec(t *testing.T) {
	s := NewScheduler(nil)
	err := s.Add("bad", "not a cron spec", func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestAddAcceptsStandardSpec(t *testing.T) {
	s := NewScheduler(nil)
	err := s.Add("cleanup", "* * * * *", func(context.Context) error { return nil })
	require.NoError(t, err)
}

func TestRunContainsPanic(t *testing.T) {
	s := NewScheduler(nil)
	assert.NotPanics(t, func() {
		s.run("explosive", func(context.Context) error { panic("boom") })
	})
}

func TestRunReportsError(t *testing.T) {
	s := NewScheduler(nil)
	ran := false
	s.run("failing", func(context.Context) error {
		ran = true
		return errors.New("nope")
	})
	assert.True(t, ran)
}
