package writer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dls-controls/odin-data/message"
)

func TestSideChannelBuffer_PutTake(t *testing.T) {
	b := NewSideChannelBuffer(time.Minute)

	b.Put(5, message.Fields{"temperature": 21.5})
	assert.Equal(t, 1, b.Len())

	fields, ok := b.Take(5)
	require.True(t, ok)
	assert.Equal(t, 21.5, fields["temperature"])

	// Consumed entries are removed
	_, ok = b.Take(5)
	assert.False(t, ok)
	assert.Equal(t, 0, b.Len())
}

func TestSideChannelBuffer_TakeAbsent(t *testing.T) {
	b := NewSideChannelBuffer(time.Minute)
	_, ok := b.Take(99)
	assert.False(t, ok)
}

func TestSideChannelBuffer_PutReplaces(t *testing.T) {
	b := NewSideChannelBuffer(time.Minute)
	b.Put(1, message.Fields{"temperature": 1.0})
	b.Put(1, message.Fields{"temperature": 2.0})

	fields, ok := b.Take(1)
	require.True(t, ok)
	assert.Equal(t, 2.0, fields["temperature"])
}

func TestSideChannelBuffer_SweepEvictsOnlyExpired(t *testing.T) {
	b := NewSideChannelBuffer(time.Minute)

	b.Put(1, message.Fields{})
	b.entries[1] = sideEntry{
		fields: b.entries[1].fields,
		added:  time.Now().Add(-2 * time.Minute),
	}
	b.Put(2, message.Fields{})

	evicted := b.Sweep(time.Now())
	assert.Equal(t, []int64{1}, evicted)
	assert.Equal(t, 1, b.Len())

	_, ok := b.Take(2)
	assert.True(t, ok)
}

func TestSideChannelBuffer_DefaultTTL(t *testing.T) {
	b := NewSideChannelBuffer(0)
	assert.Equal(t, DefaultSideChannelTTL, b.ttl)
}
