package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/mail"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"campaign_engine/internal/model"
)

type EmailOptions struct {
	SummaryWindow time.Duration
	MaxBatch      int
	Logger        *zap.Logger
}

type sendFunc func(ctx context.Context, settings model.EmailSettings, events []CampaignStoppedEvent) error

// EmailNotifier batches campaign-stopped events and mails a summary. Sends
// happen on its own goroutine; a full queue drops events.
type EmailNotifier struct {
	store  SettingsStore
	logger *zap.Logger
	send   sendFunc

	mu     sync.Mutex
	queue  chan CampaignStoppedEvent
	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup

	summaryWindow time.Duration
	maxBatch      int
}

func NewEmailNotifier(store SettingsStore, opts EmailOptions) *EmailNotifier {
	return newEmailNotifier(store, opts, SendCampaignSummaryEmail)
}

func newEmailNotifier(store SettingsStore, opts EmailOptions, send sendFunc) *EmailNotifier {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 20
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &EmailNotifier{
		store:         store,
		logger:        opts.Logger,
		send:          send,
		queue:         make(chan CampaignStoppedEvent, 200),
		ctx:           ctx,
		cancel:        cancel,
		summaryWindow: opts.SummaryWindow,
		maxBatch:      opts.MaxBatch,
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

// Close flushes whatever is pending and stops the loop.
func (n *EmailNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *EmailNotifier) NotifyCampaignStopped(_ context.Context, evt CampaignStoppedEvent) {
	select {
	case n.queue <- evt:
	default:
		n.logger.Warn("email notification dropped: queue full", zap.String("campaignId", evt.Campaign.ID))
	}
}

func (n *EmailNotifier) loop() {
	defer n.wg.Done()

	var (
		pending []CampaignStoppedEvent
		timer   *time.Timer
		timerCh <-chan time.Time
	)

	stopTimer := func() {
		if timer == nil {
			return
		}
		timer.Stop()
		timer = nil
		timerCh = nil
	}

	resetTimer := func() {
		if timer == nil {
			timer = time.NewTimer(n.summaryWindow)
			timerCh = timer.C
			return
		}
		timer.Reset(n.summaryWindow)
	}

	flush := func(reason string) {
		stopTimer()
		if len(pending) == 0 {
			return
		}
		events := append([]CampaignStoppedEvent(nil), pending...)
		pending = pending[:0]
		n.handleBatch(reason, events)
	}

	for {
		select {
		case <-n.ctx.Done():
			// drain what was queued before Close
			for {
				select {
				case evt := <-n.queue:
					pending = append(pending, evt)
					continue
				default:
				}
				break
			}
			flush("shutdown")
			return
		case evt := <-n.queue:
			pending = append(pending, evt)
			if len(pending) >= n.maxBatch {
				flush("max")
				continue
			}
			if n.summaryWindow <= 0 {
				flush("immediate")
				continue
			}
			resetTimer()
		case <-timerCh:
			flush("idle")
		}
	}
}

func (n *EmailNotifier) handleBatch(reason string, events []CampaignStoppedEvent) {
	if n.store == nil {
		return
	}
	// n.ctx is already cancelled on shutdown; give the last batch its own budget
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	settings, ok, err := n.store.GetEmailSettings(ctx)
	if err != nil {
		n.logger.Warn("read email settings", zap.Error(err))
		return
	}
	if !ok || !settings.Enabled {
		n.logger.Debug("email notification disabled", zap.Int("count", len(events)), zap.String("reason", reason))
		return
	}
	if err := ValidateEmailSettings(settings); err != nil {
		n.logger.Warn("invalid email settings", zap.Error(err))
		return
	}
	if err := n.send(ctx, settings, events); err != nil {
		n.logger.Warn("send email", zap.Error(err), zap.Int("count", len(events)), zap.String("reason", reason))
		return
	}
	n.logger.Info("notification email sent",
		zap.Int("count", len(events)),
		zap.String("reason", reason),
		zap.String("to", strings.TrimSpace(settings.Email)),
	)
}

func ValidateEmailSettings(s model.EmailSettings) error {
	email := strings.TrimSpace(s.Email)
	if email == "" {
		return errors.New("email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return errors.New("invalid email")
	}
	if strings.TrimSpace(s.AuthCode) == "" {
		return errors.New("authCode is required")
	}
	if s.SMTPPort < 0 || s.SMTPPort > 65535 {
		return errors.New("invalid smtpPort")
	}
	return nil
}

func SendCampaignSummaryEmail(ctx context.Context, settings model.EmailSettings, events []CampaignStoppedEvent) error {
	if err := ValidateEmailSettings(settings); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(events) == 0 {
		return errors.New("no events")
	}

	email := strings.TrimSpace(settings.Email)
	host, port, useSSL, err := smtpConfig(settings)
	if err != nil {
		return err
	}
	htmlBody, textBody, err := buildSummaryEmailBody(events)
	if err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", msg.FormatAddress(email, "Campaign Orchestrator"))
	msg.SetHeader("To", email)
	msg.SetHeader("Subject", buildSummarySubject(events))
	msg.SetBody("text/plain", textBody)
	msg.AddAlternative("text/html", htmlBody)

	d := gomail.NewDialer(host, port, email, strings.TrimSpace(settings.AuthCode))
	d.SSL = useSSL
	return d.DialAndSend(msg)
}

// smtpConfig honours an explicit host and falls back to a guess from the
// mailbox domain.
func smtpConfig(s model.EmailSettings) (host string, port int, useSSL bool, err error) {
	if h := strings.TrimSpace(s.SMTPHost); h != "" {
		port = s.SMTPPort
		if port == 0 {
			port = 465
		}
		return h, port, port == 465, nil
	}
	host, port, useSSL, err = smtpConfigForEmail(s.Email)
	if err == nil && s.SMTPPort > 0 {
		port = s.SMTPPort
		useSSL = port == 465
	}
	return host, port, useSSL, err
}

func smtpConfigForEmail(email string) (host string, port int, useSSL bool, err error) {
	parts := strings.Split(strings.TrimSpace(email), "@")
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return "", 0, false, errors.New("invalid email format")
	}
	domain := strings.ToLower(strings.TrimSpace(parts[1]))

	switch {
	case domain == "gmail.com" || domain == "googlemail.com":
		return "smtp.gmail.com", 587, false, nil
	case domain == "outlook.com" || strings.HasSuffix(domain, ".outlook.com") ||
		domain == "hotmail.com" || strings.HasSuffix(domain, ".hotmail.com") ||
		domain == "live.com" || strings.HasSuffix(domain, ".live.com"):
		return "smtp.office365.com", 587, false, nil
	case domain == "yahoo.com" || strings.HasSuffix(domain, ".yahoo.com"):
		return "smtp.mail.yahoo.com", 465, true, nil
	case domain == "icloud.com" || domain == "me.com" || domain == "mac.com":
		return "smtp.mail.me.com", 587, false, nil
	case domain == "fastmail.com" || strings.HasSuffix(domain, ".fastmail.com"):
		return "smtp.fastmail.com", 465, true, nil
	case domain == "qq.com" || domain == "foxmail.com":
		return "smtp.qq.com", 465, true, nil
	default:
		return "smtp." + domain, 465, true, nil
	}
}

func buildSummarySubject(events []CampaignStoppedEvent) string {
	if len(events) == 1 {
		return fmt.Sprintf("Campaign stopped: %s", hostOf(events[0].Campaign.TargetURL))
	}
	return fmt.Sprintf("%d campaigns stopped", len(events))
}

var summaryHTMLTpl = template.Must(template.New("summary").Parse(`
<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width" />
    <title>Campaign summary</title>
  </head>
  <body style="margin:0;padding:0;background:#f6f8fb;font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,'Helvetica Neue',Arial,sans-serif;">
    <div style="max-width:720px;margin:0 auto;padding:24px;">
      <div style="background:#ffffff;border:1px solid #e6e8ef;border-radius:14px;overflow:hidden;">
        <div style="padding:18px 22px;background:linear-gradient(135deg,#0ea5e9,#6366f1);color:#ffffff;">
          <div style="font-size:16px;font-weight:700;">Campaign summary</div>
          <div style="margin-top:6px;font-size:12px;opacity:.95;">{{ .Total }} campaign(s), {{ .Start }} ~ {{ .End }}</div>
        </div>
        <div style="padding:22px;">
          <table role="presentation" cellspacing="0" cellpadding="0" border="0" style="width:100%;border-collapse:collapse;">
            <thead>
              <tr style="background:#fafbff;">
                <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">Target</th>
                <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">Launched</th>
                <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">Succeeded</th>
                <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">Failed</th>
                <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">Success rate</th>
                <th style="padding:10px 12px;text-align:left;font-size:12px;color:#6b7280;">Page views</th>
              </tr>
            </thead>
            <tbody>
              {{ range .Rows }}
              <tr>
                <td style="padding:10px 12px;font-size:12px;color:#111827;border-top:1px solid #eef0f6;">{{ .Target }}</td>
                <td style="padding:10px 12px;font-size:12px;color:#111827;border-top:1px solid #eef0f6;">{{ .Launched }}</td>
                <td style="padding:10px 12px;font-size:12px;color:#111827;border-top:1px solid #eef0f6;">{{ .Succeeded }}</td>
                <td style="padding:10px 12px;font-size:12px;color:#111827;border-top:1px solid #eef0f6;">{{ .Failed }}</td>
                <td style="padding:10px 12px;font-size:12px;color:#111827;border-top:1px solid #eef0f6;">{{ .Rate }}</td>
                <td style="padding:10px 12px;font-size:12px;color:#111827;border-top:1px solid #eef0f6;">{{ .PageViews }}</td>
              </tr>
              {{ end }}
            </tbody>
          </table>
          <div style="margin-top:14px;color:#9ca3af;font-size:12px;">This message was sent automatically.</div>
        </div>
      </div>
    </div>
  </body>
</html>
`))

type summaryRow struct {
	Target    string
	Launched  int
	Succeeded int
	Failed    int
	Rate      string
	PageViews int
}

func buildSummaryEmailBody(events []CampaignStoppedEvent) (htmlBody string, textBody string, err error) {
	if len(events) == 0 {
		return "", "", errors.New("no events")
	}

	rows := make([]summaryRow, 0, len(events))
	var minAt, maxAt time.Time
	for i, evt := range events {
		at := time.Now()
		if evt.AtMs > 0 {
			at = time.UnixMilli(evt.AtMs)
		}
		if i == 0 || at.Before(minAt) {
			minAt = at
		}
		if i == 0 || at.After(maxAt) {
			maxAt = at
		}
		rows = append(rows, summaryRow{
			Target:    strings.TrimSpace(evt.Campaign.TargetURL),
			Launched:  evt.Stats.TotalLaunched,
			Succeeded: evt.Stats.SuccessfulSessions,
			Failed:    evt.Stats.FailedSessions,
			Rate:      fmt.Sprintf("%.1f%%", evt.Stats.SuccessRate*100),
			PageViews: evt.Stats.PageViews,
		})
	}

	data := struct {
		Total int
		Start string
		End   string
		Rows  []summaryRow
	}{
		Total: len(events),
		Start: minAt.Format("2006-01-02 15:04:05"),
		End:   maxAt.Format("2006-01-02 15:04:05"),
		Rows:  rows,
	}

	var buf bytes.Buffer
	if err := summaryHTMLTpl.Execute(&buf, data); err != nil {
		return "", "", err
	}

	text := new(strings.Builder)
	fmt.Fprintf(text, "Campaign summary: %d campaign(s), %s ~ %s\n", data.Total, data.Start, data.End)
	for _, r := range rows {
		fmt.Fprintf(text, "- %s | launched %d | succeeded %d | failed %d | rate %s | page views %d\n",
			r.Target, r.Launched, r.Succeeded, r.Failed, r.Rate, r.PageViews)
	}
	return buf.String(), text.String(), nil
}

func hostOf(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "https://"), "http://")
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "unknown target"
	}
	return s
}
