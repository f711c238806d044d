// ABOUTME: Public tool naming rules shared by adapter generation and event correlation
// ABOUTME: beamlit_<slug> for functions and kit operations, beamlit_chain_<slug> for agents

package descriptor

import "strings"

// Tool name prefixes
const (
	FunctionPrefix = "beamlit_"
	ChainPrefix    = "beamlit_chain_"
)

var slugReplacer = strings.NewReplacer("-", "_", " ", "_")

// Slug lower-cases name and replaces dashes and spaces with underscores.
func Slug(name string) string {
	return slugReplacer.Replace(strings.ToLower(name))
}

// FunctionToolName is the public tool name of a function or kit operation.
func FunctionToolName(name string) string {
	return FunctionPrefix + Slug(name)
}

// ChainToolName is the public tool name of a chained agent.
func ChainToolName(name string) string {
	return ChainPrefix + Slug(name)
}
