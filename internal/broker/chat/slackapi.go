// Package chat is the workspace-facing surface: the slack adapter behind
// the notifier's ChatAPI, the socket-mode listener, and the slash command
// handler.
package chat

import (
	"bytes"
	"context"

	"github.com/slack-go/slack"
)

// API implements notify.ChatAPI against the real slack web API.
type API struct {
	client *slack.Client
}

// NewAPI wraps a slack client.
func NewAPI(client *slack.Client) *API {
	return &API{client: client}
}

// PostMessage posts text, threading under threadTS when set.
func (a *API) PostMessage(ctx context.Context, channelID, threadTS, text string) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := a.client.PostMessageContext(ctx, channelID, opts...)
	return ts, err
}

// PostBlocks posts a block-kit message with a notification fallback.
func (a *API) PostBlocks(ctx context.Context, channelID, threadTS string, blocks []slack.Block, fallback string) (string, error) {
	opts := []slack.MsgOption{
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(fallback, false),
	}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := a.client.PostMessageContext(ctx, channelID, opts...)
	return ts, err
}

// UpdateMessage replaces the text of an existing message.
func (a *API) UpdateMessage(ctx context.Context, channelID, messageTS, text string) error {
	_, _, _, err := a.client.UpdateMessageContext(ctx, channelID, messageTS, slack.MsgOptionText(text, false))
	return err
}

// AddReaction reacts to a message.
func (a *API) AddReaction(ctx context.Context, channelID, messageTS, emoji string) error {
	return a.client.AddReactionContext(ctx, emoji, slack.NewRefToMessage(channelID, messageTS))
}

// RemoveReaction removes a reaction from a message.
func (a *API) RemoveReaction(ctx context.Context, channelID, messageTS, emoji string) error {
	return a.client.RemoveReactionContext(ctx, emoji, slack.NewRefToMessage(channelID, messageTS))
}

// PostEphemeral posts a message only the given user sees.
func (a *API) PostEphemeral(ctx context.Context, channelID, userID, text string) error {
	_, err := a.client.PostEphemeralContext(ctx, channelID, userID, slack.MsgOptionText(text, false))
	return err
}

// UploadFile attaches a file to a channel or thread.
func (a *API) UploadFile(ctx context.Context, channelID, threadTS, filename string, content []byte) error {
	_, err := a.client.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Channel:         channelID,
		ThreadTimestamp: threadTS,
		Filename:        filename,
		Title:           filename,
		FileSize:        len(content),
		Reader:          bytes.NewReader(content),
	})
	return err
}
