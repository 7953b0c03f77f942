package chat

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/botmaster/botmaster/internal/task/models"
	"github.com/botmaster/botmaster/pkg/wire"
)

// projectConfigCallbackID names the config modal's view submission.
const projectConfigCallbackID = "project_config"

func plainText(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.PlainTextType, text, false, false)
}

func textInput(blockID, label, actionID, initial, placeholder string) *slack.InputBlock {
	element := slack.NewPlainTextInputBlockElement(plainText(placeholder), actionID)
	element.InitialValue = initial
	block := slack.NewInputBlock(blockID, plainText(label), nil, element)
	return block
}

// projectConfigModal builds the channel→project binding form, pre-filled
// from the existing project when one exists.
func projectConfigModal(project *models.Project) slack.ModalViewRequest {
	budget := ""
	if project.DefaultMaxBudget > 0 {
		budget = strconv.FormatFloat(project.DefaultMaxBudget, 'f', -1, 64)
	}
	optionalBudget := textInput("budget", "Default max budget (USD)", "value", budget, "5.00")
	optionalBudget.Optional = true
	optionalModel := textInput("model", "Default model", "value", project.DefaultModel, "leave empty for the bot default")
	optionalModel.Optional = true

	return slack.ModalViewRequest{
		Type:            slack.VTModal,
		CallbackID:      projectConfigCallbackID,
		PrivateMetadata: project.ChannelID,
		Title:           plainText("Project settings"),
		Submit:          plainText("Save"),
		Close:           plainText("Cancel"),
		Blocks: slack.Blocks{BlockSet: []slack.Block{
			textInput("name", "Project name", "value", project.Name, "payments-api"),
			textInput("path", "Local path on the agent host", "value", project.LocalPath, "/srv/projects/payments-api"),
			textInput("agent", "Agent id ('auto' for any)", "value", project.AgentID, models.AgentAuto),
			optionalModel,
			optionalBudget,
		}},
	}
}

// HandleViewSubmission persists the config modal and kicks off path
// validation on the project's agent. The binding is saved immediately; the
// validation outcome arrives asynchronously in the channel.
func (h *Handler) HandleViewSubmission(ctx context.Context, callback *slack.InteractionCallback) error {
	if callback.View.CallbackID != projectConfigCallbackID {
		return fmt.Errorf("unknown view callback: %s", callback.View.CallbackID)
	}
	channelID := callback.View.PrivateMetadata
	values := callback.View.State.Values

	field := func(blockID string) string {
		return strings.TrimSpace(values[blockID]["value"].Value)
	}
	name := field("name")
	localPath := field("path")
	agentID := field("agent")
	if name == "" || localPath == "" {
		return fmt.Errorf("project name and local path are required")
	}
	if agentID == "" {
		agentID = models.AgentAuto
	}
	var budget float64
	if raw := field("budget"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid budget %q: %w", raw, err)
		}
		budget = parsed
	}

	project, err := h.repo.GetProjectByChannel(ctx, channelID)
	isNew := err != nil
	if isNew {
		project = &models.Project{ChannelID: channelID, AgentID: models.AgentAuto}
	}
	project.Name = name
	project.LocalPath = localPath
	project.AgentID = agentID
	project.DefaultModel = field("model")
	project.DefaultMaxBudget = budget

	if isNew {
		err = h.repo.CreateProject(ctx, project)
	} else {
		err = h.repo.UpdateProject(ctx, project)
	}
	if err != nil {
		return fmt.Errorf("persist project: %w", err)
	}
	h.audit(ctx, "project:configured", "project", project.ID, callback.User.ID, map[string]interface{}{
		"agent_id":   agentID,
		"local_path": localPath,
	})
	if _, err := h.notifier.PostMessage(ctx, channelID, "",
		fmt.Sprintf("⚙️ Project `%s` bound to this channel (agent `%s`).", name, agentID)); err != nil {
		h.logger.Warn("Failed to post config confirmation", zap.Error(err))
	}

	h.validatePath(ctx, project, channelID)
	return nil
}

// validatePath asks the project's agent to check (and create) the local
// path. Skipped silently when no agent is reachable; the config itself is
// already saved.
func (h *Handler) validatePath(ctx context.Context, project *models.Project, channelID string) {
	agentID, online := h.registry.Resolve(project.AgentID)
	if agentID == "" || !online {
		return
	}
	requestID := "pathcheck-" + uuid.New().String()
	path := project.LocalPath
	h.pending.RegisterPathValidate(requestID, func(ctx context.Context, result *wire.PathValidateResult) {
		var text string
		switch {
		case !result.Success:
			text = fmt.Sprintf("⚠️ Path check failed on `%s`: %s", agentID, result.Error)
		case result.Created:
			text = fmt.Sprintf("📁 Created `%s` on `%s`.", path, agentID)
		default:
			text = fmt.Sprintf("📁 `%s` exists on `%s`.", path, agentID)
		}
		if _, err := h.notifier.PostMessage(ctx, channelID, "", text); err != nil {
			h.logger.Warn("Failed to post path check result", zap.Error(err))
		}
	})
	frame := wire.MustFrame(wire.FramePathValidateRequest, &wire.PathValidateRequest{
		RequestID: requestID,
		Path:      path,
	})
	if !h.registry.Send(agentID, frame) {
		h.logger.Warn("Path validation request dropped",
			zap.String("agent_id", agentID))
	}
}
