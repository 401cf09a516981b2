// Package email sends campaign messages through Amazon SES.
//
// An account's Credentials is its verified From address. The payload may
// start with a "Subject: ..." line followed by a blank line.
package email

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"campaignd/internal/sender"
	logx "campaignd/pkg/logx"
)

type Config struct {
	Region         string
	DefaultSubject string
	// ConfigurationSet is passed to SES for event publishing when set.
	ConfigurationSet string
}

type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type Adapter struct {
	cfg    Config
	client sesAPI
	log    logx.Logger
}

// New loads the default AWS credential chain (env, shared config, role).
func New(ctx context.Context, cfg Config, log logx.Logger) (*Adapter, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newWithClient(cfg, sesv2.NewFromConfig(awsCfg), log), nil
}

func newWithClient(cfg Config, client sesAPI, log logx.Logger) *Adapter {
	if cfg.DefaultSubject == "" {
		cfg.DefaultSubject = "(no subject)"
	}
	return &Adapter{cfg: cfg, client: client, log: log}
}

func (a *Adapter) Send(ctx context.Context, req sender.Request) error {
	from := strings.TrimSpace(req.Account.Credentials)
	if from == "" {
		return sender.AuthInvalid(errors.New("email: account has no from address"))
	}
	to := strings.TrimSpace(req.Recipient)
	if to == "" || !strings.Contains(to, "@") {
		return sender.PermanentRecipient(fmt.Errorf("email: invalid recipient %q", req.Recipient))
	}
	subject, body := splitPayload(req.Payload, a.cfg.DefaultSubject)

	in := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(body), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if a.cfg.ConfigurationSet != "" {
		in.ConfigurationSetName = aws.String(a.cfg.ConfigurationSet)
	}
	if _, err := a.client.SendEmail(ctx, in); err != nil {
		return classify(err)
	}
	return nil
}

func splitPayload(payload, defSubject string) (subject, body string) {
	const prefix = "subject:"
	if len(payload) >= len(prefix) && strings.EqualFold(payload[:len(prefix)], prefix) {
		head, rest, _ := strings.Cut(payload, "\n")
		subject = strings.TrimSpace(head[len(prefix):])
		body = strings.TrimLeft(rest, "\r\n")
		if subject == "" {
			subject = defSubject
		}
		return subject, body
	}
	return defSubject, payload
}

func classify(err error) error {
	var (
		tooMany   *types.TooManyRequestsException
		limit     *types.LimitExceededException
		suspended *types.AccountSuspendedException
		paused    *types.SendingPausedException
		rejected  *types.MessageRejected
		mailFrom  *types.MailFromDomainNotVerifiedException
		notFound  *types.NotFoundException
		bad       *types.BadRequestException
	)
	switch {
	case errors.As(err, &tooMany), errors.As(err, &limit):
		return sender.RateLimited(err, 0)
	case errors.As(err, &suspended), errors.As(err, &paused), errors.As(err, &mailFrom):
		return sender.AuthInvalid(err)
	case errors.As(err, &rejected), errors.As(err, &notFound), errors.As(err, &bad):
		return sender.PermanentRecipient(err)
	}
	return sender.Transient(err)
}
