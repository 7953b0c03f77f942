package notify

import (
	"bytes"
	"context"

	"github.com/slack-go/slack"
)

// slackAPI adapts *slack.Client to the ChatAPI capability set.
type slackAPI struct {
	client *slack.Client
}

var _ ChatAPI = (*slackAPI)(nil)

// NewSlackAPI wraps a Slack web API client.
func NewSlackAPI(client *slack.Client) ChatAPI {
	return &slackAPI{client: client}
}

func (s *slackAPI) PostMessage(ctx context.Context, channelID, threadTS, text string) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := s.client.PostMessageContext(ctx, channelID, opts...)
	return ts, err
}

func (s *slackAPI) PostBlocks(ctx context.Context, channelID, threadTS string, blocks []slack.Block, fallback string) (string, error) {
	opts := []slack.MsgOption{
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(fallback, false),
	}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := s.client.PostMessageContext(ctx, channelID, opts...)
	return ts, err
}

func (s *slackAPI) UpdateMessage(ctx context.Context, channelID, messageTS, text string) error {
	_, _, _, err := s.client.UpdateMessageContext(ctx, channelID, messageTS, slack.MsgOptionText(text, false))
	return err
}

func (s *slackAPI) AddReaction(ctx context.Context, channelID, messageTS, emoji string) error {
	return s.client.AddReactionContext(ctx, emoji, slack.NewRefToMessage(channelID, messageTS))
}

func (s *slackAPI) RemoveReaction(ctx context.Context, channelID, messageTS, emoji string) error {
	return s.client.RemoveReactionContext(ctx, emoji, slack.NewRefToMessage(channelID, messageTS))
}

func (s *slackAPI) PostEphemeral(ctx context.Context, channelID, userID, text string) error {
	_, err := s.client.PostEphemeralContext(ctx, channelID, userID, slack.MsgOptionText(text, false))
	return err
}

func (s *slackAPI) UploadFile(ctx context.Context, channelID, threadTS, filename string, content []byte) error {
	_, err := s.client.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Channel:         channelID,
		ThreadTimestamp: threadTS,
		Filename:        filename,
		Title:           filename,
		FileSize:        len(content),
		Reader:          bytes.NewReader(content),
	})
	return err
}
