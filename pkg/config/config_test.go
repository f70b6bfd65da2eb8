package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/korelin/subpay/pkg/types"
)

func TestPlanByTag(t *testing.T) {
	cfg := &Config{Plans: []*types.PlanSnapshot{
		{Name: "Std30", Tag: "STD"},
		{Name: "Pro30", Tag: "PRO"},
	}}

	require.Equal(t, "Pro30", cfg.PlanByTag("PRO").Name)
	require.Nil(t, cfg.PlanByTag("GOLD"))
}
