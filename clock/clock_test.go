package clock_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/storage-engine/clock"
)

func TestSystem_Now_IsMicrosecondsNotNanoseconds(t *testing.T) {
	s := clock.NewSystem()
	us := s.Now()
	// a microsecond Unix timestamp for any date past 2001 has 16 digits;
	// a nanosecond one would have 19 - cheap sanity check against an
	// accidental UnixNano() swap
	assert.Less(t, us, int64(1e17))
	assert.Greater(t, us, int64(1e15))
}

func TestMock_Advance_MovesForwardByDelta(t *testing.T) {
	m := clock.NewMock(100)
	assert.Equal(t, int64(100), m.Now())
	assert.Equal(t, int64(150), m.Advance(50))
	assert.Equal(t, int64(150), m.Now())
}

func TestMock_Set_PinsToExplicitValue(t *testing.T) {
	m := clock.NewMock(100)
	m.Set(999)
	assert.Equal(t, int64(999), m.Now())
}
