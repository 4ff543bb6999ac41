package bus

import (
	"encoding/json"
	"fmt"
)

// DecodePayload turns a JSON payload received off the wire (e.g. the gateway
// websocket) back into the typed payload published for topic.
func DecodePayload(topic string, raw []byte) (any, error) {
	var err error
	switch topic {
	case TopicWakeSignal:
		var p WakeSignal
		err = json.Unmarshal(raw, &p)
		return p, err
	case TopicWakePushed:
		var p WakePushed
		err = json.Unmarshal(raw, &p)
		return p, err
	case TopicTierChanged:
		var p TierChanged
		err = json.Unmarshal(raw, &p)
		return p, err
	case TopicAgentState:
		var p AgentStateChanged
		err = json.Unmarshal(raw, &p)
		return p, err
	case TopicTaskRun:
		var p TaskRun
		err = json.Unmarshal(raw, &p)
		return p, err
	case TopicTickDone:
		var p TickDone
		err = json.Unmarshal(raw, &p)
		return p, err
	case TopicInboxNew:
		var p InboxReceived
		err = json.Unmarshal(raw, &p)
		return p, err
	}
	return nil, fmt.Errorf("unknown topic %q", topic)
}
