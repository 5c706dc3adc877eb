package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"dispatchd/internal/model"
	logx "dispatchd/pkg/logx"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	gomail "github.com/wneessen/go-mail"
)

const defaultSender = "no-reply@example.com"

type EmailConfig struct {
	// Timeout bounds one SMTP dial+send.
	Timeout time.Duration
}

// SESAPI is the slice of the SES v2 client the adapter uses.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Email sends through SMTP (go-mail) or Amazon SES, chosen per profile by
// EmailCredentials.Provider.
type Email struct {
	cfg EmailConfig
	log logx.Logger

	mu  sync.Mutex
	ses map[string]SESAPI // by region
	// newSES builds a client for a region; tests replace it.
	newSES func(ctx context.Context, region string) (SESAPI, error)
}

func NewEmail(cfg EmailConfig, log logx.Logger) *Email {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Email{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "channel.email")),
		ses:    map[string]SESAPI{},
		newSES: loadSES,
	}
}

func loadSES(ctx context.Context, region string) (SESAPI, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return sesv2.NewFromConfig(cfg), nil
}

func (e *Email) Send(ctx context.Context, msg Message) error {
	creds := msg.Credentials.Email
	if creds == nil {
		return Permanent("profile has no email credentials", nil)
	}
	if _, err := mail.ParseAddress(msg.Recipient); err != nil {
		return Permanent(fmt.Sprintf("invalid recipient %q", msg.Recipient), err)
	}
	switch creds.Provider {
	case model.ProviderSES:
		return e.sendSES(ctx, creds, msg)
	case model.ProviderSMTP, "":
		return e.sendSMTP(ctx, creds, msg)
	default:
		return Permanent(fmt.Sprintf("unknown email provider %q", creds.Provider), nil)
	}
}

func sender(creds *model.EmailCredentials) string {
	if s := creds.Sender(); s != "" {
		return s
	}
	return defaultSender
}

func smtpPort(creds *model.EmailCredentials) int {
	switch {
	case creds.Port > 0:
		return creds.Port
	case creds.Plaintext:
		return 1025
	case creds.UseTLS:
		return 465
	default:
		return 587
	}
}

func (e *Email) sendSMTP(ctx context.Context, creds *model.EmailCredentials, msg Message) error {
	m := gomail.NewMsg()
	if err := m.From(sender(creds)); err != nil {
		return Permanent("invalid sender address", err)
	}
	if err := m.To(msg.Recipient); err != nil {
		return Permanent("invalid recipient", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(gomail.TypeTextPlain, msg.Body)
	m.SetDate()
	m.SetMessageID()

	opts := []gomail.Option{
		gomail.WithPort(smtpPort(creds)),
		gomail.WithTimeout(e.cfg.Timeout),
	}
	switch {
	case creds.Plaintext:
		// Local mail catcher: no TLS, no auth.
		opts = append(opts, gomail.WithTLSPolicy(gomail.NoTLS))
	case creds.UseTLS:
		opts = append(opts, gomail.WithSSL())
	default:
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	}
	if !creds.Plaintext && creds.User != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(creds.User),
			gomail.WithPassword(creds.Password),
		)
	}

	client, err := gomail.NewClient(creds.Host, opts...)
	if err != nil {
		return Permanent("smtp client config", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return classifySMTP(err)
	}
	e.log.Debug("smtp message sent", logx.Int64("profile_id", msg.ProfileID), logx.String("host", creds.Host))
	return nil
}

// classifySMTP maps go-mail and SMTP reply errors onto adapter kinds.
// 4xx replies and network failures are retried; 5xx replies are not.
func classifySMTP(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Transient("smtp timed out", err)
	}
	var se *gomail.SendError
	if errors.As(err, &se) {
		if se.IsTemp() {
			return Transient("smtp temporary failure", err)
		}
		if se.Reason == gomail.ErrSMTPRcptTo {
			return Permanent("recipient rejected", err)
		}
		return Permanent("smtp send failed", err)
	}
	var tp *textproto.Error
	if errors.As(err, &tp) {
		switch {
		case tp.Code >= 400 && tp.Code < 500:
			return Transient("smtp temporary failure", err)
		case tp.Code == 530 || tp.Code == 534 || tp.Code == 535:
			return Permanent("smtp authentication failed", err)
		default:
			return Permanent("smtp rejected", err)
		}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Transient("smtp connection failed", err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "authenticat") {
		return Permanent("smtp authentication failed", err)
	}
	return Transient("smtp", err)
}

func (e *Email) sesClient(ctx context.Context, region string) (SESAPI, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.ses[region]; ok {
		return c, nil
	}
	c, err := e.newSES(ctx, region)
	if err != nil {
		return nil, err
	}
	e.ses[region] = c
	return c, nil
}

func (e *Email) sendSES(ctx context.Context, creds *model.EmailCredentials, msg Message) error {
	client, err := e.sesClient(ctx, strings.TrimSpace(creds.Region))
	if err != nil {
		return Transient("load aws config", err)
	}
	_, err = client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender(creds)),
		Destination: &sestypes.Destination{
			ToAddresses: []string{msg.Recipient},
		},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(msg.Subject)},
				Body: &sestypes.Body{
					Text: &sestypes.Content{Data: aws.String(msg.Body)},
				},
			},
		},
	})
	if err != nil {
		return classifySES(err)
	}
	e.log.Debug("ses message sent", logx.Int64("profile_id", msg.ProfileID), logx.String("region", creds.Region))
	return nil
}

func classifySES(err error) error {
	var (
		rejected   *sestypes.MessageRejected
		notVerif   *sestypes.MailFromDomainNotVerifiedException
		badReq     *sestypes.BadRequestException
		notFound   *sestypes.NotFoundException
		suspended  *sestypes.AccountSuspendedException
		paused     *sestypes.SendingPausedException
		throttled  *sestypes.TooManyRequestsException
		overLimits *sestypes.LimitExceededException
	)
	switch {
	case errors.As(err, &throttled), errors.As(err, &overLimits):
		return Transient("ses throttled", err)
	case errors.As(err, &rejected):
		return Permanent("ses rejected message", err)
	case errors.As(err, &notVerif), errors.As(err, &badReq), errors.As(err, &notFound):
		return Permanent("ses rejected request", err)
	case errors.As(err, &suspended), errors.As(err, &paused):
		return Permanent("ses sending disabled", err)
	default:
		return Transient("ses", err)
	}
}
