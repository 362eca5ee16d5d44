package sipagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/meshedge/gb28181agent/internal/device"
)

// sipTransport is the sipgo-backed transport implementation. It plays
// both roles a GB28181 device needs on one SIP stack instance: a
// client originating REGISTER/MESSAGE/INVITE towards the platform,
// and a server answering the platform's inbound MESSAGE/INVITE/BYE.
type sipTransport struct {
	identity  device.Identity
	logger    *slog.Logger
	recipient sip.Uri
	contact   sip.ContactHeader

	ua           *sipgo.UserAgent
	client       *sipgo.Client
	server       *sipgo.Server
	dialogClient *sipgo.DialogClient
}

// newSIPTransport builds the sipgo user agent, client and server for
// the given identity, without starting the listener.
func newSIPTransport(id device.Identity, logger *slog.Logger) (*sipTransport, error) {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent("GB28181-Device/1.0 " + id.DeviceName))
	if err != nil {
		return nil, fmt.Errorf("sipagent: new user agent: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, fmt.Errorf("sipagent: new client: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("sipagent: new server: %w", err)
	}

	contact := sip.ContactHeader{
		Address: sip.Uri{User: id.DeviceID, Host: id.LocalHost, Port: id.LocalSIPPort},
	}
	dialogClient := sipgo.NewDialogClient(client, contact)

	return &sipTransport{
		identity: id,
		logger:   logger,
		recipient: sip.Uri{
			User: id.PlatformID,
			Host: id.PlatformHost,
			Port: id.PlatformPort,
		},
		contact:      contact,
		ua:           ua,
		client:       client,
		server:       server,
		dialogClient: dialogClient,
	}, nil
}

func (t *sipTransport) Start(handlers transportHandlers) error {
	t.server.OnMessage(func(req *sip.Request, tx sip.ServerTransaction) {
		status, reason := handlers.OnMessage(req.Body(), headerValue(req, "Content-Type"))
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCode(status), reason, nil))
	})
	t.server.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		answerSDP, status, reason := handlers.OnInvite(req.CallID().Value(), string(req.Body()), req.Transport())
		var body []byte
		res := sip.NewResponseFromRequest(req, sip.StatusCode(status), reason, nil)
		if status == 200 {
			body = []byte(answerSDP)
			res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
			res.SetBody(body)
		}
		_ = tx.Respond(res)
	})
	t.server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		handlers.OnBye(req.CallID().Value())
		_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	})

	go func() {
		addr := fmt.Sprintf("%s:%d", t.identity.LocalHost, t.identity.LocalSIPPort)
		if err := t.server.ListenAndServe(context.Background(), "tcp", addr); err != nil {
			t.logger.Error("sip server stopped", "err", err)
		}
	}()
	return nil
}

func (t *sipTransport) Stop() error {
	return t.server.Close()
}

func (t *sipTransport) Register(ctx context.Context, callID string, cseq uint32, expires int, authorizationHeader string) (status int, reason, wwwAuthenticate string, err error) {
	req := sip.NewRequest(sip.REGISTER, t.recipient)
	req.AppendHeader(sip.NewHeader("Call-ID", callID))
	req.AppendHeader(sip.NewHeader("CSeq", fmt.Sprintf("%d REGISTER", cseq)))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	req.AppendHeader(&t.contact)
	if authorizationHeader != "" {
		req.AppendHeader(sip.NewHeader("Authorization", authorizationHeader))
	}

	res, err := t.doTransaction(ctx, req)
	if err != nil {
		return 0, "", "", err
	}
	wwwAuthenticate = headerValue(res, "WWW-Authenticate")
	return int(res.StatusCode), res.Reason, wwwAuthenticate, nil
}

func (t *sipTransport) SendMessage(ctx context.Context, body []byte) (status int, reason string, err error) {
	req := sip.NewRequest(sip.MESSAGE, t.recipient)
	req.AppendHeader(sip.NewHeader("Content-Type", "Application/MANSCDP+xml"))
	req.SetBody(body)

	res, err := t.doTransaction(ctx, req)
	if err != nil {
		return 0, "", err
	}
	return int(res.StatusCode), res.Reason, nil
}

func (t *sipTransport) doTransaction(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := t.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sipagent: send %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	select {
	case res := <-tx.Responses():
		if res == nil {
			return nil, errors.New("sipagent: transaction closed without a response")
		}
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *sipTransport) InviteAudio(ctx context.Context, subject, sdpBody string) (audioDialog, error) {
	contentType := sip.ContentTypeHeader("application/sdp")
	fromHeader := sip.FromHeader{Address: sip.Uri{User: t.identity.DeviceID, Host: t.identity.LocalHost}}
	subjectHeader := sip.NewHeader("Subject", subject)

	session, err := t.dialogClient.Invite(ctx, t.recipient, []byte(sdpBody), &contentType, subjectHeader, &fromHeader)
	if err != nil {
		return nil, fmt.Errorf("sipagent: audio invite: %w", err)
	}
	return &sipAudioDialog{session: session}, nil
}

type sipAudioDialog struct {
	session *sipgo.DialogClientSession
}

func (d *sipAudioDialog) CallID() string {
	return d.session.InviteRequest.CallID().Value()
}

func (d *sipAudioDialog) WaitAnswer(ctx context.Context) (string, error) {
	if err := d.session.WaitAnswer(ctx, sipgo.AnswerOptions{}); err != nil {
		return "", err
	}
	return string(d.session.InviteResponse.Body()), nil
}

func (d *sipAudioDialog) Ack(ctx context.Context) error {
	return d.session.Ack(ctx)
}

func (d *sipAudioDialog) Close() error {
	return d.session.Close()
}

func headerValue(msg sip.Message, name string) string {
	hs := msg.GetHeaders(name)
	if len(hs) == 0 {
		return ""
	}
	return hs[0].Value()
}
