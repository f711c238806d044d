// ABOUTME: Tests for descriptor parsing and allow-list selection
// ABOUTME: Covers both name spellings, disabled chains and missing listings

package descriptor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFunctions(t *testing.T) {
	fns, err := ParseFunctions([]byte(`[
		{"function": "math", "description": "Evaluate", "workspace": "development",
		 "parameters": [{"name": "query", "required": true}]},
		{"name": "github", "kit": [
			{"name": "list_branches", "parameters": [{"name": "repository", "type": "string"}]},
			{"name": "create_issue", "return_direct": true}
		]}
	]`))
	require.NoError(t, err)
	require.Len(t, fns, 2)

	assert.Equal(t, "math", fns[0].Name)
	assert.False(t, fns[0].IsKit())
	assert.True(t, fns[0].Parameters[0].Required)

	assert.Equal(t, "github", fns[1].Name, "name key accepted as function name")
	assert.True(t, fns[1].IsKit())
	assert.Equal(t, "list_branches", fns[1].Kit[0].Name)
	assert.True(t, fns[1].Kit[1].ReturnDirect)
}

func TestParseFunctions_Blank(t *testing.T) {
	fns, err := ParseFunctions([]byte("  "))
	require.NoError(t, err)
	assert.Empty(t, fns)
}

func TestParseFunctions_Malformed(t *testing.T) {
	_, err := ParseFunctions([]byte(`{"function": "math"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseAgents_DropsDisabled(t *testing.T) {
	agents, err := ParseAgents([]byte(`[
		{"name": "search-agent", "description": "web"},
		{"name": "old-agent", "enabled": false},
		{"name": "explicit", "enabled": true}
	]`))
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "search-agent", agents[0].Name)
	assert.Equal(t, "explicit", agents[1].Name)
}

func TestKitOperation_DeclaresParam(t *testing.T) {
	op := KitOperation{Name: "op", Parameters: []ParamSpec{{Name: "name"}}}
	assert.True(t, op.DeclaresParam("name"))
	assert.False(t, op.DeclaresParam("repository"))
}

func TestFillWorkspaceAndOverrides(t *testing.T) {
	fns := []FunctionDescriptor{{Name: "math"}, {Name: "other", Workspace: "shared"}}
	agents := []AgentDescriptor{{Name: "search-agent", Description: "listing"}}

	FillWorkspace("development", fns, agents)
	OverrideDescriptions(agents, map[string]string{"search-agent": "custom", "absent": "x"})

	assert.Equal(t, "development", fns[0].Workspace)
	assert.Equal(t, "shared", fns[1].Workspace)
	assert.Equal(t, "development", agents[0].Workspace)
	assert.Equal(t, "custom", agents[0].Description)
}

func TestSelectAllowed(t *testing.T) {
	fns := []FunctionDescriptor{{Name: "math"}, {Name: "github"}, {Name: "unused"}}
	agents := []AgentDescriptor{{Name: "search-agent"}}

	t.Run("resolves functions and agents", func(t *testing.T) {
		selFns, selAgents, err := SelectAllowed([]string{"github", "search-agent", "math", "math"}, fns, agents)
		require.NoError(t, err)
		require.Len(t, selFns, 2)
		assert.Equal(t, "github", selFns[0].Name)
		assert.Equal(t, "math", selFns[1].Name)
		require.Len(t, selAgents, 1)
		assert.Equal(t, "search-agent", selAgents[0].Name)
	})

	t.Run("missing name is fatal", func(t *testing.T) {
		_, _, err := SelectAllowed([]string{"math", "weather"}, fns, agents)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotInListing)
		assert.Contains(t, err.Error(), "weather")
	})
}
