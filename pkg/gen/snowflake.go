package gen

import (
	"fmt"

	"smallbiznis-licensing/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var Module = fx.Module("snowflake",
	fx.Provide(NewNode),
)

// NewNode returns the ID generator for this replica. NODE_ID must be unique
// per running instance so audit and license ids never collide.
func NewNode(cfg *config.Config) (*snowflake.Node, error) {
	id := int64(1)
	if cfg != nil && cfg.NodeID > 0 {
		id = cfg.NodeID
	}
	node, err := snowflake.NewNode(id)
	if err != nil {
		return nil, fmt.Errorf("init snowflake node %d: %w", id, err)
	}
	return node, nil
}
