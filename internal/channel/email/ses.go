package email

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"alert-dispatcher/internal/channel"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESProvider sends through AWS SES v2.
type SESProvider struct {
	client sesAPI
	region string
}

// NewSESProvider loads the default AWS credential chain for region. A load
// failure yields an unconfigured provider.
func NewSESProvider(ctx context.Context, region string) (*SESProvider, error) {
	if region == "" {
		return &SESProvider{}, nil
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return &SESProvider{region: region}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &SESProvider{client: sesv2.NewFromConfig(cfg), region: region}, nil
}

func (p *SESProvider) Name() string {
	return "ses"
}

func (p *SESProvider) IsConfigured() bool {
	return p.client != nil
}

func (p *SESProvider) Send(ctx context.Context, req *Request) error {
	if p.client == nil {
		return fmt.Errorf("SES client not initialized")
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(req.From),
		Destination: &types.Destination{
			ToAddresses: req.To,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(req.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(req.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
	}

	if _, err := p.client.SendEmail(ctx, input); err != nil {
		err = fmt.Errorf("SES send failed: %w", err)
		if isPermanentSESError(err) {
			return channel.Permanent(err)
		}
		return err
	}
	return nil
}

// isPermanentSESError matches rejections that resending cannot fix.
func isPermanentSESError(err error) bool {
	var (
		rejected    *types.MessageRejected
		unverified  *types.MailFromDomainNotVerifiedException
		badRequest  *types.BadRequestException
		suspended   *types.AccountSuspendedException
		notFound    *types.NotFoundException
		sendingStop *types.SendingPausedException
	)
	return errors.As(err, &rejected) ||
		errors.As(err, &unverified) ||
		errors.As(err, &badRequest) ||
		errors.As(err, &suspended) ||
		errors.As(err, &notFound) ||
		errors.As(err, &sendingStop)
}
