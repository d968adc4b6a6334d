package stream

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genRuntimeEvent builds an arbitrary, individually-valid RuntimeEvent from
// one of the seven kinds the Event Converter understands.
func genRuntimeEvent() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf(
			EventReasoningToken, EventAssistantText, EventToolCallRequest,
			EventToolCallComplete, EventUsage, EventInterruption, EventCompletion,
		),
		gen.Bool(),
	).Map(func(vals []any) RuntimeEvent {
		kind := vals[0].(RuntimeEventKind)
		partial := vals[1].(bool)
		ev := RuntimeEvent{Kind: kind, Partial: partial, Text: "x"}
		switch kind {
		case EventToolCallRequest, EventToolCallComplete:
			ev.ToolCall = &ToolCallEvent{ToolFullName: "test.tool", InteractionID: "int-1"}
		case EventUsage:
			ev.Usage = &UsageEvent{TokenCount: 1}
		}
		return ev
	})
}

// TestProperty_SequenceIDsAreStrictlyMonotonicForAnyEventOrdering exercises
// spec §8 property 5 ("sequence_id is strictly increasing") against randomly
// generated event streams of arbitrary kind and length, not just the
// hand-picked orderings in converter_test.go.
func TestProperty_SequenceIDsAreStrictlyMonotonicForAnyEventOrdering(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("monotonic sequence_id regardless of event ordering", prop.ForAll(
		func(events []RuntimeEvent) bool {
			c := NewConverter("task-prop")
			var last uint64
			for _, ev := range events {
				for _, chunk := range c.Convert(ev) {
					if chunk.SequenceID <= last {
						return false
					}
					last = chunk.SequenceID
				}
			}
			return true
		},
		gen.SliceOf(genRuntimeEvent()),
	))

	properties.TestingRun(t)
}

// TestProperty_EveryConvertedChunkCarriesTheOriginatingTaskID is a cheap
// companion property: whatever chunks Convert produces, they are all scoped
// to the Converter's own task_id, never leak another task's identifier.
func TestProperty_EveryConvertedChunkCarriesTheOriginatingTaskID(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("chunk.task_id always equals the converter's task_id", prop.ForAll(
		func(events []RuntimeEvent) bool {
			c := NewConverter("task-xyz")
			for _, ev := range events {
				for _, chunk := range c.Convert(ev) {
					if chunk.TaskID != "task-xyz" {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(genRuntimeEvent()),
	))

	properties.TestingRun(t)
}
