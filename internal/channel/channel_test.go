package channel

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"dispatchd/internal/browser"
	"dispatchd/internal/model"
	logx "dispatchd/pkg/logx"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

func TestKindOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: 0},
		{name: "transient", err: Transient("x", nil), want: KindTransient},
		{name: "permanent wrapped", err: errors.Join(errors.New("ctx"), Permanent("x", nil)), want: KindPermanent},
		{name: "auth", err: AuthExpired("login", nil), want: KindAuthExpired},
		{name: "foreign", err: errors.New("boom"), want: KindTransient},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegistryUnknownPlatform(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Register(model.PlatformEmail, AdapterFunc(func(context.Context, Message) error { return nil }))
	if _, err := r.For(model.PlatformEmail); err != nil {
		t.Fatalf("For(email): %v", err)
	}
	if _, err := r.For(model.PlatformChat); KindOf(err) != KindPermanent {
		t.Fatalf("For(chat) err = %v, want permanent", err)
	}
}

func TestClassifySMTP(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "4xx", err: &textproto.Error{Code: 451, Msg: "try later"}, want: KindTransient},
		{name: "auth", err: &textproto.Error{Code: 535, Msg: "bad credentials"}, want: KindPermanent},
		{name: "5xx", err: &textproto.Error{Code: 554, Msg: "rejected"}, want: KindPermanent},
		{name: "deadline", err: context.DeadlineExceeded, want: KindTransient},
		{name: "net", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, want: KindTransient},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(classifySMTP(tt.err)); got != tt.want {
				t.Fatalf("kind = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifySES(t *testing.T) {
	t.Parallel()
	if k := KindOf(classifySES(&sestypes.TooManyRequestsException{})); k != KindTransient {
		t.Fatalf("throttle kind = %v", k)
	}
	if k := KindOf(classifySES(&sestypes.MessageRejected{})); k != KindPermanent {
		t.Fatalf("rejected kind = %v", k)
	}
	if k := KindOf(classifySES(errors.New("socket closed"))); k != KindTransient {
		t.Fatalf("unknown kind = %v", k)
	}
}

func TestEmailRejectsInvalidRecipient(t *testing.T) {
	t.Parallel()
	e := NewEmail(EmailConfig{}, logx.Nop())
	err := e.Send(context.Background(), Message{
		Recipient:   "not an address",
		Credentials: model.Credentials{Email: &model.EmailCredentials{Host: "localhost"}},
	})
	if KindOf(err) != KindPermanent {
		t.Fatalf("err = %v, want permanent", err)
	}
}

type fakeSES struct {
	mu  sync.Mutex
	in  []*sesv2.SendEmailInput
	err error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.in = append(f.in, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("m-1")}, nil
}

func TestEmailSES(t *testing.T) {
	t.Parallel()
	fake := &fakeSES{}
	e := NewEmail(EmailConfig{}, logx.Nop())
	var regions []string
	e.newSES = func(_ context.Context, region string) (SESAPI, error) {
		regions = append(regions, region)
		return fake, nil
	}
	creds := model.Credentials{Email: &model.EmailCredentials{Provider: model.ProviderSES, Region: "eu-west-1", From: "ops@example.com"}}

	for i := 0; i < 2; i++ {
		err := e.Send(context.Background(), Message{Recipient: "a@example.com", Subject: "Hi", Body: "Hello", Credentials: creds})
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if len(regions) != 1 || regions[0] != "eu-west-1" {
		t.Fatalf("clients built for %v, want one for eu-west-1", regions)
	}
	in := fake.in[0]
	if aws.ToString(in.FromEmailAddress) != "ops@example.com" || in.Destination.ToAddresses[0] != "a@example.com" {
		t.Fatalf("input = %+v", in)
	}
	if aws.ToString(in.Content.Simple.Body.Text.Data) != "Hello" {
		t.Fatalf("body = %q", aws.ToString(in.Content.Simple.Body.Text.Data))
	}

	fake.err = &sestypes.MessageRejected{}
	if err := e.Send(context.Background(), Message{Recipient: "a@example.com", Credentials: creds}); KindOf(err) != KindPermanent {
		t.Fatalf("err = %v, want permanent", err)
	}
}

// mailCatcher is a minimal plaintext SMTP server.
func mailCatcher(t *testing.T, rcptReply string) (host string, port int, data <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	out := make(chan string, 1)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		w := bufio.NewWriter(conn)
		reply := func(s string) { _, _ = w.WriteString(s + "\r\n"); _ = w.Flush() }
		reply("220 catcher ESMTP")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				reply("250-catcher")
				reply("250 8BITMIME")
			case strings.HasPrefix(cmd, "RCPT"):
				reply(rcptReply)
			case cmd == "DATA":
				reply("354 end with .")
				var b strings.Builder
				for {
					l, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if l == ".\r\n" {
						break
					}
					b.WriteString(l)
				}
				out <- b.String()
				reply("250 queued")
			case cmd == "QUIT":
				reply("221 bye")
				return
			default:
				reply("250 ok")
			}
		}
	}()

	h, p, _ := net.SplitHostPort(ln.Addr().String())
	port, _ = strconv.Atoi(p)
	return h, port, out
}

func TestEmailSMTPMailCatcher(t *testing.T) {
	t.Parallel()
	host, port, data := mailCatcher(t, "250 ok")
	e := NewEmail(EmailConfig{Timeout: 5 * time.Second}, logx.Nop())
	err := e.Send(context.Background(), Message{
		Recipient: "bob@example.com",
		Subject:   "Greetings",
		Body:      "Hello Bob",
		Credentials: model.Credentials{Email: &model.EmailCredentials{
			Host: host, Port: port, Plaintext: true, From: "ops@example.com",
		}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-data:
		if !strings.Contains(got, "Subject: Greetings") || !strings.Contains(got, "Hello Bob") {
			t.Fatalf("message = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}

func TestEmailSMTPRecipientRejected(t *testing.T) {
	t.Parallel()
	host, port, _ := mailCatcher(t, "550 5.1.1 no such user")
	e := NewEmail(EmailConfig{Timeout: 5 * time.Second}, logx.Nop())
	err := e.Send(context.Background(), Message{
		Recipient:   "ghost@example.com",
		Body:        "x",
		Credentials: model.Credentials{Email: &model.EmailCredentials{Host: host, Port: port, Plaintext: true}},
	})
	if KindOf(err) != KindPermanent {
		t.Fatalf("err = %v, want permanent", err)
	}
}

type fakePage struct {
	mu       sync.Mutex
	landing  string
	seeded   browser.StorageState
	visited  []string
	typed    string
	typeErr  error
	closed   bool
	ua       string
	submitOK bool
}

func (p *fakePage) Navigate(_ context.Context, u string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visited = append(p.visited, u)
	return nil
}

func (p *fakePage) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.landing != "" {
		return p.landing, nil
	}
	if len(p.visited) == 0 {
		return "about:blank", nil
	}
	return p.visited[len(p.visited)-1], nil
}

func (p *fakePage) UserAgent(context.Context) (string, error) { return p.ua, nil }

func (p *fakePage) Seed(_ context.Context, st browser.StorageState) error {
	p.mu.Lock()
	p.seeded = st
	p.mu.Unlock()
	return nil
}

func (p *fakePage) State(context.Context) (browser.StorageState, error) {
	return p.seeded, nil
}

func (p *fakePage) Type(_ context.Context, _ string, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.typeErr != nil {
		return p.typeErr
	}
	p.typed = text
	return nil
}

func (p *fakePage) Submit(context.Context, string) error {
	p.mu.Lock()
	p.submitOK = true
	p.mu.Unlock()
	return nil
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

type fakeBrowser struct {
	page *fakePage
	opts []browser.Options
}

func (b *fakeBrowser) NewPage(_ context.Context, opt browser.Options) (browser.Page, error) {
	b.opts = append(b.opts, opt)
	return b.page, nil
}

func (b *fakeBrowser) Close() error { return nil }

type mapStates map[string][]byte

func (m mapStates) Read(ref string) ([]byte, error) {
	b, ok := m[ref]
	if !ok {
		return nil, model.ErrNoStoredSession
	}
	return b, nil
}

func TestChatSendUsesStoredSession(t *testing.T) {
	t.Parallel()
	blob, _ := browser.StorageState{Cookies: []model.Cookie{{Name: "sid", Value: "blob"}}}.Marshal()
	page := &fakePage{}
	br := &fakeBrowser{page: page}
	c := NewChat(ChatConfig{ComposeURL: "https://chat.example/t/{recipient}", InputSelector: "#box", LoginMarker: "/login"}, br, mapStates{"/s/profile_1.json": blob}, logx.Nop())

	err := c.Send(context.Background(), Message{
		ProfileID: 1,
		Recipient: "alice smith",
		Body:      "hello alice",
		Proxy:     "http://proxy:8080",
		Credentials: model.Credentials{Chat: &model.ChatCredentials{
			Cookies: []model.Cookie{{Name: "sid", Value: "inline"}}, StorageStateRef: "/s/profile_1.json", UserAgent: "UA/9",
		}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := page.visited[0]; got != "https://chat.example/t/alice%20smith" {
		t.Fatalf("visited %q", got)
	}
	if page.seeded.Cookies[0].Value != "blob" {
		t.Fatalf("seeded cookies = %+v, want blob copy", page.seeded.Cookies)
	}
	if page.typed != "hello alice" || !page.submitOK || !page.closed {
		t.Fatalf("page = %+v", page)
	}
	if br.opts[0].Proxy != "http://proxy:8080" || br.opts[0].UserAgent != "UA/9" {
		t.Fatalf("options = %+v", br.opts[0])
	}
}

func TestChatSendDetectsLoginRedirect(t *testing.T) {
	t.Parallel()
	page := &fakePage{landing: "https://chat.example/login?next=/t/bob"}
	c := NewChat(ChatConfig{ComposeURL: "https://chat.example/t/{recipient}", LoginMarker: "/login"}, &fakeBrowser{page: page}, nil, logx.Nop())
	err := c.Send(context.Background(), Message{
		Recipient:   "bob",
		Body:        "hi",
		Credentials: model.Credentials{Chat: &model.ChatCredentials{Cookies: []model.Cookie{{Name: "sid"}}}},
	})
	if KindOf(err) != KindAuthExpired {
		t.Fatalf("err = %v, want auth expired", err)
	}
	if page.typed != "" {
		t.Fatal("typed into login page")
	}
}

func TestChatSendWithoutSession(t *testing.T) {
	t.Parallel()
	c := NewChat(ChatConfig{ComposeURL: "https://chat.example/{recipient}"}, &fakeBrowser{page: &fakePage{}}, mapStates{}, logx.Nop())
	tests := []struct {
		name  string
		creds *model.ChatCredentials
	}{
		{name: "nil", creds: nil},
		{name: "empty", creds: &model.ChatCredentials{}},
		{name: "missing blob", creds: &model.ChatCredentials{StorageStateRef: "/gone.json"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := c.Send(context.Background(), Message{Recipient: "x", Body: "y", Credentials: model.Credentials{Chat: tt.creds}})
			if KindOf(err) != KindAuthExpired {
				t.Fatalf("err = %v, want auth expired", err)
			}
		})
	}
}

func TestChatSendMissingInputIsPermanent(t *testing.T) {
	t.Parallel()
	page := &fakePage{typeErr: browser.ErrElementNotFound}
	c := NewChat(ChatConfig{ComposeURL: "https://chat.example/{recipient}"}, &fakeBrowser{page: page}, nil, logx.Nop())
	err := c.Send(context.Background(), Message{Recipient: "x", Body: "y", Credentials: model.Credentials{Chat: &model.ChatCredentials{Cookies: []model.Cookie{{Name: "a"}}}}})
	if KindOf(err) != KindPermanent {
		t.Fatalf("err = %v, want permanent", err)
	}
}
