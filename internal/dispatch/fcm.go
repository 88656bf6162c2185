package dispatch

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// FCMSender delivers pushes through Firebase Cloud Messaging.
type FCMSender struct {
	client *messaging.Client
}

// NewFCMSender builds a messaging client. An empty credentialsFile falls back
// to application default credentials.
func NewFCMSender(ctx context.Context, projectID, credentialsFile string) (*FCMSender, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase messaging: %w", err)
	}
	return &FCMSender{client: client}, nil
}

func (f *FCMSender) Send(ctx context.Context, p Push) error {
	data := make(map[string]string, len(p.Args)+1)
	for k, v := range p.Args {
		data[k] = v
	}
	data["template"] = p.Template
	_, err := f.client.Send(ctx, &messaging.Message{
		Token:        p.Token,
		Notification: &messaging.Notification{Title: Title(p.Template), Body: p.Args["body"]},
		Data:         data,
	})
	return err
}
