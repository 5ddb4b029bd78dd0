// Package taskselect resolves an agent kind and optional model ID into a
// concrete task definition: the model, tier, and CPU/memory allocation a
// worker launch should use. It is a pure function over the compile-time
// registries in pkg/types.
package taskselect

import (
	"fmt"
	"strings"

	"github.com/zeroechelon/outpost-dispatcher/pkg/apierrors"
	"github.com/zeroechelon/outpost-dispatcher/pkg/types"
)

// TaskDefinition is the result of selecting a model and resource
// allocation for a dispatch.
type TaskDefinition struct {
	TaskDefHandle string
	CPUUnits      int
	MemoryMb      int
	ModelID       string
	Tier          types.Tier
}

// SelectTaskDefinition returns the flagship entry for agent when modelID
// is empty, otherwise the registry entry matching modelID. Fails with
// apierrors.Validation, listing the valid models, when modelID is set
// but not registered for the agent.
func SelectTaskDefinition(agent types.AgentKind, modelID string) (TaskDefinition, error) {
	options := types.AgentModels(agent)
	if len(options) == 0 {
		return TaskDefinition{}, apierrors.NewValidation("unknown agent kind %q", agent)
	}

	selected := options[0]
	if modelID != "" {
		found := false
		for _, opt := range options {
			if opt.ModelID == modelID {
				selected = opt
				found = true
				break
			}
		}
		if !found {
			valid := make([]string, len(options))
			for i, opt := range options {
				valid[i] = opt.ModelID
			}
			return TaskDefinition{}, apierrors.NewValidation(
				"modelId %q is not valid for agent %q; valid models: %s",
				modelID, agent, strings.Join(valid, ", "),
			)
		}
	}

	resources, ok := types.ResourcesForTier(selected.Tier)
	if !ok {
		return TaskDefinition{}, apierrors.NewInternal(nil, "no resource table for tier %q", selected.Tier)
	}

	return TaskDefinition{
		TaskDefHandle: fmt.Sprintf("outpost-%s-%s", agent, selected.Tier),
		CPUUnits:      resources.CPUUnits,
		MemoryMb:      resources.MemoryMb,
		ModelID:       selected.ModelID,
		Tier:          selected.Tier,
	}, nil
}
