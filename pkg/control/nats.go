package control

import (
	"encoding/json"
	"errors"

	"stockstream.com/pkg/nats"
)

// NATS 控制主题操作名
const (
	OpShockToggle = "shock.toggle"
	OpShockSet    = "shock.set"
	OpStatus      = "status"
)

// ServeNATS 在 control.<symbol>.* 上注册请求应答
func (s *Surface) ServeNATS(sub *nats.Subscriber) error {
	handlers := map[string]nats.ReplyHandler{
		OpShockToggle: s.natsToggle,
		OpShockSet:    s.natsSet,
		OpStatus:      s.natsStatus,
	}
	for op, h := range handlers {
		if err := sub.Reply(nats.ControlSubject(s.d.Symbol, op), h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Surface) natsToggle(_ string, _ []byte) ([]byte, error) {
	return json.Marshal(shockResponse{ShockEnabled: s.ToggleShock("nats")})
}

func (s *Surface) natsSet(_ string, data []byte) ([]byte, error) {
	body, err := nats.UnmarshalJSON[shockBody](data)
	if err != nil {
		return nil, err
	}
	if body.Enabled == nil {
		return nil, errors.New(`body must be {"enabled": true|false}`)
	}
	return json.Marshal(shockResponse{ShockEnabled: s.SetShock(*body.Enabled, "nats")})
}

func (s *Surface) natsStatus(_ string, _ []byte) ([]byte, error) {
	return json.Marshal(s.Status())
}
