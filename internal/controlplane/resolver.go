// ABOUTME: Resolves the function and chain descriptors an agent should expose
// ABOUTME: Inline config wins; otherwise deployment config, narrowed by the allow-list when set

package controlplane

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/beamlit/agent-runtime/internal/config"
	"github.com/beamlit/agent-runtime/internal/descriptor"
)

// Source is the subset of Client the resolver needs.
type Source interface {
	AgentDeployment(ctx context.Context) (*Deployment, error)
	ListFunctions(ctx context.Context) ([]descriptor.FunctionDescriptor, error)
	ListAgents(ctx context.Context) ([]descriptor.AgentDescriptor, error)
}

// Descriptor origins
const (
	OriginInline     = "inline"
	OriginDeployment = "deployment"
	OriginListing    = "listing"
)

// Resolved is the descriptor set for one process.
type Resolved struct {
	Functions []descriptor.FunctionDescriptor
	Chains    []descriptor.AgentDescriptor
	Origin    string
}

// Empty reports whether there is nothing to expose as a tool.
func (r *Resolved) Empty() bool {
	return len(r.Functions) == 0 && len(r.Chains) == 0
}

// Resolve gathers descriptors per configuration. Every failure wraps
// config.ErrConfiguration: the process must not serve with a partial tool set.
func Resolve(ctx context.Context, cfg *config.Config, src Source, logger *slog.Logger) (*Resolved, error) {
	if logger == nil {
		logger = slog.Default()
	}
	res, err := resolve(ctx, cfg, src)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving descriptors: %w", config.ErrConfiguration, err)
	}

	descriptor.FillWorkspace(cfg.Workspace, res.Functions, res.Chains)
	descriptor.OverrideDescriptions(res.Chains, cfg.Agent.ChainDescriptions)

	logger.Info("descriptors resolved",
		"origin", res.Origin,
		"functions", len(res.Functions),
		"chains", len(res.Chains),
	)
	return res, nil
}

func resolve(ctx context.Context, cfg *config.Config, src Source) (*Resolved, error) {
	if cfg.InlineDescriptors() {
		fns, err := descriptor.ParseFunctions([]byte(cfg.Agent.AgentFunctions))
		if err != nil {
			return nil, err
		}
		chains, err := descriptor.ParseAgents([]byte(cfg.Agent.AgentChain))
		if err != nil {
			return nil, err
		}
		return &Resolved{Functions: fns, Chains: chains, Origin: OriginInline}, nil
	}

	if src == nil {
		return nil, fmt.Errorf("no inline descriptors and no control plane")
	}

	dep, err := src.AgentDeployment(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching deployment: %w", err)
	}
	res := &Resolved{
		Functions: dep.Functions,
		Chains:    descriptor.Enabled(dep.AgentChain),
		Origin:    OriginDeployment,
	}
	if len(cfg.Agent.Functions) == 0 {
		return res, nil
	}

	listedFns, err := src.ListFunctions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing functions: %w", err)
	}
	listedAgents, err := src.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}

	fns, allowedAgents, err := descriptor.SelectAllowed(cfg.Agent.Functions, listedFns, listedAgents)
	if err != nil {
		return nil, err
	}
	chains, err := matchChains(res.Chains, listedAgents)
	if err != nil {
		return nil, err
	}

	return &Resolved{
		Functions: fns,
		Chains:    mergeChains(chains, allowedAgents),
		Origin:    OriginListing,
	}, nil
}

// matchChains replaces each configured chain entry with its listing entry,
// keeping the configured description when one is set.
func matchChains(entries, listing []descriptor.AgentDescriptor) ([]descriptor.AgentDescriptor, error) {
	byName := make(map[string]descriptor.AgentDescriptor, len(listing))
	for _, a := range listing {
		byName[a.Name] = a
	}

	out := make([]descriptor.AgentDescriptor, 0, len(entries))
	for _, e := range entries {
		found, ok := byName[e.Name]
		if !ok {
			return nil, fmt.Errorf("%w: agent %q", descriptor.ErrNotInListing, e.Name)
		}
		if e.Description != "" {
			found.Description = e.Description
		}
		if e.ReturnDirect {
			found.ReturnDirect = true
		}
		out = append(out, found)
	}
	return out, nil
}

func mergeChains(a, b []descriptor.AgentDescriptor) []descriptor.AgentDescriptor {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]descriptor.AgentDescriptor, 0, len(a)+len(b))
	for _, list := range [][]descriptor.AgentDescriptor{a, b} {
		for _, ag := range list {
			if seen[ag.Name] {
				continue
			}
			seen[ag.Name] = true
			out = append(out, ag)
		}
	}
	return out
}
