package services

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"proposal-submission-api/config"
	"proposal-submission-api/models"
)

var submissionEmailTemplate = template.Must(template.New("submission").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Subject}}</title>
</head>
<body style="margin:0;padding:0;background-color:#f9fafb;font-family:'Segoe UI',Tahoma,Arial,sans-serif;">
<div style="max-width:640px;margin:0 auto;padding:24px 20px;">
  <div style="background-color:#ffffff;border:1px solid #e5e7eb;border-radius:12px;padding:24px;">
    <p style="margin:0 0 16px 0;font-size:16px;line-height:1.7;color:#111827;">Dear {{.Name}},</p>
    <p style="margin:0 0 16px 0;font-size:16px;line-height:1.7;color:#111827;">{{.Summary}}</p>
    <table role="presentation" cellpadding="0" cellspacing="0" width="100%" style="border:1px solid #e5e7eb;border-radius:12px;background-color:#f9fafb;">
      <tbody>
        <tr><td style="padding:12px 16px;font-size:13px;color:#6b7280;">Submission</td><td style="padding:12px 16px;font-size:15px;color:#111827;font-weight:600;">{{.Identifier}}</td></tr>
        {{if .ProposalCode}}<tr><td style="padding:12px 16px;font-size:13px;color:#6b7280;">Proposal code</td><td style="padding:12px 16px;font-size:15px;color:#111827;font-weight:600;">{{.ProposalCode}}</td></tr>{{end}}
        <tr><td style="padding:12px 16px;font-size:13px;color:#6b7280;">Status</td><td style="padding:12px 16px;font-size:15px;color:#111827;font-weight:600;">{{.Status}}</td></tr>
      </tbody>
    </table>
    {{if .URL}}<div style="text-align:center;margin:24px 0 0 0;"><a href="{{.URL}}" style="display:inline-block;padding:12px 28px;background-color:#2563eb;color:#ffffff;text-decoration:none;border-radius:999px;font-weight:600;">View submission log</a></div>{{end}}
  </div>
</div>
</body>
</html>`))

type submissionEmail struct {
	Subject      string
	Name         string
	Summary      string
	Identifier   string
	ProposalCode string
	Status       models.SubmissionStatus
	URL          string
}

// MailNotifier e-mails the submitter once a submission has finished.
type MailNotifier struct {
	frontendURL string
	send        func(to []string, subject, html string) error
}

func NewMailNotifier(frontendURL string) *MailNotifier {
	return &MailNotifier{frontendURL: strings.TrimRight(frontendURL, "/"), send: config.SendMail}
}

func (n *MailNotifier) SubmissionFinished(ctx context.Context, job SubmissionJob, status models.SubmissionStatus) error {
	email := strings.TrimSpace(job.Submitter.Email)
	if email == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	subject, html, err := buildSubmissionEmail(job, status, n.frontendURL)
	if err != nil {
		return err
	}
	if err := n.send([]string{email}, subject, html); err != nil {
		return fmt.Errorf("send submission e-mail to %s: %w", email, err)
	}
	return nil
}

func buildSubmissionEmail(job SubmissionJob, status models.SubmissionStatus, frontendURL string) (string, string, error) {
	data := submissionEmail{
		Name:       job.Submitter.FullName(),
		Identifier: job.Identifier,
		Status:     status,
	}
	if job.ProposalCode != nil {
		data.ProposalCode = *job.ProposalCode
	}
	if frontendURL != "" {
		data.URL = frontendURL + "/submissions/" + job.Identifier
	}

	if status == models.SubmissionStatusSuccessful {
		data.Subject = "Your proposal submission was successful"
		data.Summary = "Your proposal submission has been processed successfully."
	} else {
		data.Subject = "Your proposal submission failed"
		data.Summary = "Your proposal submission could not be processed. Please check the submission log for details."
	}

	var buf bytes.Buffer
	if err := submissionEmailTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render submission e-mail: %w", err)
	}
	return data.Subject, buf.String(), nil
}
