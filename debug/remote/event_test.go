package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventIteratorKeepsOrder(t *testing.T) {
	set := NewEventSet(
		&Event{Kind: KindThreadStart, Thread: 1},
		&Event{Kind: KindBreakpoint, Thread: 1, Request: 4},
		&Event{Kind: KindStep, Thread: 2},
	)

	var kinds []Kind
	it := set.Iterator()
	for it.HasNext() {
		kinds = append(kinds, it.Next().Kind)
	}
	assert.Equal(t, []Kind{KindThreadStart, KindBreakpoint, KindStep}, kinds)
	assert.True(t, set.Iterator().HasNext(), "each iterator starts from the beginning")
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "vm-death", KindVMDeath.String())
	assert.Equal(t, "unknown", KindUnknown.String())
	assert.Equal(t, "Kind(99)", Kind(99).String())
}

func TestEventString(t *testing.T) {
	ev := &Event{Kind: KindBreakpoint, Thread: 3, Request: 9, Reason: "breakpoint"}
	assert.Equal(t, `breakpoint thread=3 request=9 reason="breakpoint"`, ev.String())
}
