package driver

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"outreach-engine/internal/domain"
	"outreach-engine/internal/outreach"
)

// TemplateDrafter renders a fixed subject and body per sequence step. It is
// the stand-in for a generative drafting service.
type TemplateDrafter struct {
	steps []stepTemplate
}

type stepTemplate struct {
	subject *template.Template
	body    *template.Template
}

// StepTemplate is one touch in the sequence, in text/template syntax with the
// lead as dot.
type StepTemplate struct {
	Subject string `yaml:"subject" json:"subject"`
	Body    string `yaml:"body" json:"body"`
}

func NewTemplateDrafter(steps []StepTemplate) (*TemplateDrafter, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("template drafter: at least one step is required")
	}
	td := &TemplateDrafter{}
	for i, s := range steps {
		subj, err := template.New(fmt.Sprintf("subject-%d", i)).Option("missingkey=zero").Parse(s.Subject)
		if err != nil {
			return nil, fmt.Errorf("step %d subject: %w", i, err)
		}
		body, err := template.New(fmt.Sprintf("body-%d", i)).Option("missingkey=zero").Parse(s.Body)
		if err != nil {
			return nil, fmt.Errorf("step %d body: %w", i, err)
		}
		td.steps = append(td.steps, stepTemplate{subject: subj, body: body})
	}
	return td, nil
}

// Draft picks the template for the lead's next step; the last template
// repeats once the list runs out.
func (t *TemplateDrafter) Draft(_ context.Context, lead domain.Lead) (outreach.Draft, error) {
	i := lead.SequenceStep
	if i >= len(t.steps) {
		i = len(t.steps) - 1
	}
	st := t.steps[i]

	view := struct {
		domain.Lead
		Greeting string
	}{Lead: lead, Greeting: "Hi"}
	if name := strings.TrimSpace(lead.FirstName); name != "" {
		view.Greeting = "Hi " + name
	}

	var subj, body strings.Builder
	if err := st.subject.Execute(&subj, view); err != nil {
		return outreach.Draft{}, fmt.Errorf("render subject: %w", err)
	}
	if err := st.body.Execute(&body, view); err != nil {
		return outreach.Draft{}, fmt.Errorf("render body: %w", err)
	}
	return outreach.Draft{Subject: strings.TrimSpace(subj.String()), Body: body.String()}, nil
}
