package service

import (
	"context"
	"fmt"

	"github.com/ignatij/autoflow/pkg/mailer"
	"github.com/ignatij/autoflow/pkg/metrics"
	"github.com/ignatij/autoflow/pkg/models"
	"github.com/ignatij/autoflow/pkg/storage"
	"github.com/pkg/errors"
)

// sendEmail renders the template for every recipient and sends one message each, in order.
// The first failed delivery fails the step; nothing is retried.
func (a *Advancer) sendEmail(ctx context.Context, step models.PendingStep, act models.SendEmailAction) error {
	tmpl, err := a.store.GetTemplate(ctx, act.TemplateID)
	if err != nil || tmpl.CreatedBy != step.OwnerID {
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return errors.Wrapf(err, "load template %d", act.TemplateID)
		}
		return errors.Wrapf(ErrTemplateNotFound, "template %d", act.TemplateID)
	}

	clientID := act.ClientID
	if act.RecipientType == models.ClientRecipient && clientID == nil {
		if clientID, err = a.entityClient(ctx, step, act); err != nil {
			return err
		}
	}
	recipients, err := resolveRecipients(ctx, a.store, step.OwnerID, act.RecipientType, clientID, act.GroupID)
	if err != nil {
		return err
	}

	vars := triggerVars(step.TriggerData)
	for i, c := range recipients {
		msg := renderFor(tmpl.Subject, tmpl.Body, c, vars)
		if err := a.sender.Send(ctx, msg); err != nil {
			metrics.EmailsSent.WithLabelValues(metrics.SourceWorkflow, metrics.ResultFailure).Inc()
			return errors.Wrapf(err, "send to %s (%d of %d)", c.Email, i+1, len(recipients))
		}
		metrics.EmailsSent.WithLabelValues(metrics.SourceWorkflow, metrics.ResultSuccess).Inc()
	}
	return a.logStep(ctx, step, fmt.Sprintf("Sent %q to %d recipient(s)", tmpl.Name, len(recipients)))
}

// entityClient finds the client behind the step's explicit entity or, failing that, the trigger's entity.
func (a *Advancer) entityClient(ctx context.Context, step models.PendingStep, act models.SendEmailAction) (*int64, error) {
	entityType, entityID := act.EntityType, act.EntityID
	if entityID == nil && step.TriggerType != nil && step.TriggerEntityID != nil {
		entityType, entityID = step.TriggerType.EntityType(), step.TriggerEntityID
	}
	if entityID == nil {
		return nil, errors.New("client recipient needs client_id or a client or invoice to take it from")
	}
	switch entityType {
	case models.EntityClient:
		return entityID, nil
	case models.EntityInvoice:
		inv, err := a.ownedInvoice(ctx, step.OwnerID, *entityID)
		if err != nil {
			return nil, err
		}
		return int64Ptr(inv.ClientID), nil
	}
	return nil, errors.Errorf("unsupported entity type %q", entityType)
}

// resolveRecipients lists the owner's clients addressed by a recipient type. Group and
// "all" recipients without an email address are left out; an empty result is an error.
func resolveRecipients(ctx context.Context, store storage.DirectoryStore, ownerID int64, rt models.RecipientType, clientID, groupID *int64) ([]models.Client, error) {
	var recipients []models.Client
	switch rt {
	case models.ClientRecipient:
		if clientID == nil {
			return nil, errors.New("client_id is required for client recipients")
		}
		c, err := store.GetClient(ctx, *clientID)
		if err != nil {
			return nil, notFound(err, "client %d", *clientID)
		}
		if c.CreatedBy != ownerID {
			return nil, errors.Errorf("client %d not found", *clientID)
		}
		if c.Email == "" {
			return nil, errors.Errorf("client %d has no email address", c.ID)
		}
		recipients = append(recipients, c)
	case models.ClientGroupRecipient:
		if groupID == nil {
			return nil, errors.New("group_id is required for client_group recipients")
		}
		clients, err := store.GroupClients(ctx, *groupID)
		if err != nil {
			return nil, errors.Wrapf(err, "load group %d", *groupID)
		}
		recipients = withEmail(clients, ownerID)
	case models.AllClientsRecipient:
		clients, err := store.OwnerClients(ctx, ownerID)
		if err != nil {
			return nil, errors.Wrap(err, "load clients")
		}
		recipients = withEmail(clients, ownerID)
	default:
		return nil, errors.Errorf("unsupported recipient type %q", rt)
	}
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}
	return recipients, nil
}

func withEmail(clients []models.Client, ownerID int64) []models.Client {
	out := make([]models.Client, 0, len(clients))
	for _, c := range clients {
		if c.Email != "" && c.CreatedBy == ownerID {
			out = append(out, c)
		}
	}
	return out
}

// triggerVars exposes the string values of the trigger data as template variables.
func triggerVars(data models.JSONMap) map[string]string {
	vars := map[string]string{}
	for k, v := range data {
		switch val := v.(type) {
		case string:
			vars[k] = val
		case float64, int, int64:
			vars[k] = fmt.Sprint(val)
		}
	}
	return vars
}

func renderFor(subject, body string, c models.Client, base map[string]string) mailer.Message {
	vars := make(map[string]string, len(base)+3)
	for k, v := range base {
		vars[k] = v
	}
	vars["name"] = c.Name
	vars["email"] = c.Email
	vars["company"] = c.Company
	return mailer.Message{
		To:      c.Email,
		Subject: mailer.Render(subject, vars),
		HTML:    mailer.Render(body, vars),
	}
}
