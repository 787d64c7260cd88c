package notify

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/platinummonkey/recur/pkg/billing"
)

// message is a rendered notice
type message struct {
	Subject  string
	TextBody string
}

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
}

func mustTemplate(key, subject, body string) messageTemplate {
	return messageTemplate{
		subject: template.Must(template.New(key + ".subject").Option("missingkey=zero").Parse(subject)),
		body:    template.Must(template.New(key + ".body").Option("missingkey=zero").Parse(body)),
	}
}

var templates = map[string]messageTemplate{
	billing.TemplateGraceDay1: mustTemplate(billing.TemplateGraceDay1,
		"Action required: your payment did not go through",
		`Hi {{.name}},

We were unable to collect your latest subscription payment. Please update your
payment method within {{.days_until_block}} days to keep your account active.
`),
	billing.TemplateGraceDay3: mustTemplate(billing.TemplateGraceDay3,
		"Reminder: {{.days_until_block}} days left to update your payment method",
		`Hi {{.name}},

Your subscription payment is still outstanding. Your account will be suspended
in {{.days_until_block}} days unless the payment method on file is updated.
`),
	billing.TemplateGraceDay5: mustTemplate(billing.TemplateGraceDay5,
		"Final reminder: your account will be suspended in {{.days_until_block}} days",
		`Hi {{.name}},

This is the last reminder before your account is suspended. Update your payment
method now to avoid losing access.
`),
	billing.TemplateSuspended: mustTemplate(billing.TemplateSuspended,
		"Your account has been suspended",
		`Hi {{.name}},

Your account has been suspended because we could not collect payment. Your data
will be deleted in {{.days_until_delete}} days unless the outstanding balance is
paid.
`),
	billing.TemplateFinalWarning: mustTemplate(billing.TemplateFinalWarning,
		"Your account will be deleted in {{.days_until_delete}} days",
		`Hi {{.name}},

Your account has been suspended for {{.days_suspended}} days. It will be
permanently deleted in {{.days_until_delete}} days. Pay the outstanding balance
to restore access.
`),
}

// render expands the template registered under key
func render(key string, data map[string]any) (*message, error) {
	tmpl, ok := templates[key]
	if !ok {
		return nil, fmt.Errorf("unknown notification template %q", key)
	}

	var subject, body bytes.Buffer
	if err := tmpl.subject.Execute(&subject, data); err != nil {
		return nil, fmt.Errorf("failed to render %s subject: %w", key, err)
	}
	if err := tmpl.body.Execute(&body, data); err != nil {
		return nil, fmt.Errorf("failed to render %s body: %w", key, err)
	}
	return &message{Subject: subject.String(), TextBody: body.String()}, nil
}
