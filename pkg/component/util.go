package component

import (
	"encoding/json"
	"fmt"

	"github.com/radical-go/pilot/pkg/fabric"
	"github.com/radical-go/pilot/pkg/unit"
)

func unmarshalUnit(env fabric.Envelope, u *unit.Unit) error {
	if err := json.Unmarshal(env.Payload, u); err != nil {
		return fmt.Errorf("component: unmarshal unit: %w", err)
	}
	return nil
}
