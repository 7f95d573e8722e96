package connector

import (
	"context"
	"encoding/json"
)

// IntentOnBoard shows the host's feature introduction screen
const IntentOnBoard = "https://essentials.elastos.net/onboard"

// OnBoard asks the host to introduce feature to the user and waits until the
// user dismisses the screen. The host's answer carries no data.
func (c *Connector) OnBoard(ctx context.Context, feature, title, introduction, button string) error {
	_, err := intent[json.RawMessage](ctx, c, IntentOnBoard, map[string]interface{}{
		"feature":      feature,
		"title":        title,
		"introduction": introduction,
		"button":       button,
	})
	return err
}
