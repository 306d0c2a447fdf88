package observer

import (
	"context"

	aworld "github.com/nevindra/aworld"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attach subscribes the instruments to the bus, deriving metrics from the
// message stream. The subscriber runs on the bus dispatcher goroutine and
// only bumps counters, so it never blocks dispatch.
func Attach(bus *aworld.EventBus, inst *Instruments) {
	ctx := context.Background()
	bus.Subscribe(nil, func(m aworld.Message) {
		switch m.Topic {
		case aworld.TopicTaskStart:
			inst.TaskSubmitted.Add(ctx, 1)
		case aworld.TopicStep:
			inst.AgentSteps.Add(ctx, 1,
				metric.WithAttributes(attribute.String("agent", m.Sender)))
		case aworld.TopicHandoff:
			inst.Handoffs.Add(ctx, 1,
				metric.WithAttributes(
					attribute.String("from", m.Sender),
					attribute.String("to", m.Receiver),
					attribute.String("call_type", string(m.CallType))))
		case aworld.TopicToolResult:
			attrs := metric.WithAttributes(attribute.String("tool", m.Sender))
			inst.ToolExecutions.Add(ctx, 1, attrs)
			if res, ok := m.Payload.(aworld.ActionResult); ok {
				inst.ToolDuration.Record(ctx, float64(res.Meta.EndMS-res.Meta.StartMS), attrs)
			}
		case aworld.TopicTaskResponse:
			resp, ok := m.Payload.(aworld.TaskResponse)
			if !ok {
				inst.TaskFinished.Add(ctx, 1)
				return
			}
			inst.TaskFinished.Add(ctx, 1,
				metric.WithAttributes(
					attribute.Bool("success", resp.Success),
					attribute.String("msg", resp.Msg)))
			inst.TaskDuration.Record(ctx, float64(resp.TimeCostMS))
			for agent, u := range resp.Usage {
				inst.TokenUsage.Add(ctx, int64(u.TotalTokens),
					metric.WithAttributes(attribute.String("agent", agent)))
			}
		}
	})
}
