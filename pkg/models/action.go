package models

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

const (
	EntityInvoice = "invoice"
	EntityClient  = "client"
)

type RecipientType string

const (
	ClientRecipient      RecipientType = "client"
	ClientGroupRecipient RecipientType = "client_group"
	AllClientsRecipient  RecipientType = "all"
)

// ErrInvalidAction is returned when a step payload does not match its action type.
var ErrInvalidAction = errors.New("invalid action data")

type checker interface {
	check() error
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate runs struct validation using the tags declared on the models.
func Validate(v interface{}) error {
	return validate.Struct(v)
}

// Action is the typed payload of a workflow step, one variant per ActionType.
type Action interface {
	Type() ActionType
}

type SendEmailAction struct {
	TemplateID    int64         `json:"template_id" validate:"required,gt=0"`
	RecipientType RecipientType `json:"recipient_type" validate:"required,oneof=client client_group all"`
	ClientID      *int64        `json:"client_id,omitempty" validate:"omitempty,gt=0"`
	GroupID       *int64        `json:"group_id,omitempty" validate:"omitempty,gt=0"`
	EntityType    string        `json:"entity_type,omitempty" validate:"omitempty,oneof=invoice client"`
	EntityID      *int64        `json:"entity_id,omitempty" validate:"omitempty,gt=0"`
}

func (SendEmailAction) Type() ActionType { return SendEmailActionType }

func (a SendEmailAction) check() error {
	if a.RecipientType == ClientGroupRecipient && a.GroupID == nil {
		return errors.New("group_id is required for client_group recipients")
	}
	if (a.EntityType == "") != (a.EntityID == nil) {
		return errors.New("entity_type and entity_id must be set together")
	}
	return nil
}

// WaitAction parks the workflow for Days, or until DaysBeforeDue days before the invoice due date.
type WaitAction struct {
	Days          *int `json:"days,omitempty" validate:"omitempty,gte=0"`
	DaysBeforeDue *int `json:"days_before_due,omitempty" validate:"omitempty,gte=0"`
}

func (WaitAction) Type() ActionType { return WaitActionType }

func (a WaitAction) check() error {
	if (a.Days == nil) == (a.DaysBeforeDue == nil) {
		return errors.New("exactly one of days or days_before_due is required")
	}
	return nil
}

type UpdateStatusAction struct {
	EntityType string `json:"entity_type" validate:"required,oneof=invoice client"`
	EntityID   *int64 `json:"entity_id,omitempty" validate:"omitempty,gt=0"`
	Status     string `json:"status" validate:"required,max=50"`
}

func (UpdateStatusAction) Type() ActionType { return UpdateStatusActionType }

type NotifyAction struct {
	Message string `json:"message" validate:"required"`
}

func (NotifyAction) Type() ActionType { return NotifyActionType }

// ParseAction decodes data into the payload variant for t and validates it.
func ParseAction(t ActionType, data []byte) (Action, error) {
	var action Action
	switch t {
	case SendEmailActionType:
		action = &SendEmailAction{}
	case WaitActionType:
		action = &WaitAction{}
	case UpdateStatusActionType:
		action = &UpdateStatusAction{}
	case NotifyActionType:
		action = &NotifyAction{}
	default:
		return nil, errors.Wrapf(ErrInvalidAction, "unknown action type %q", t)
	}
	if len(data) == 0 {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, action); err != nil {
		return nil, errors.Wrapf(ErrInvalidAction, "decode %s: %v", t, err)
	}
	action = deref(action)
	if err := validateAction(action); err != nil {
		return nil, err
	}
	return action, nil
}

// EncodeAction is the inverse of ParseAction.
func EncodeAction(a Action) (ActionType, RawJSON, error) {
	if a == nil {
		return "", nil, errors.Wrap(ErrInvalidAction, "nil action")
	}
	if err := validateAction(a); err != nil {
		return "", nil, err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", a.Type(), err)
	}
	return a.Type(), data, nil
}

func deref(a Action) Action {
	switch v := a.(type) {
	case *SendEmailAction:
		return *v
	case *WaitAction:
		return *v
	case *UpdateStatusAction:
		return *v
	case *NotifyAction:
		return *v
	}
	return a
}

func validateAction(a Action) error {
	if err := validate.Struct(a); err != nil {
		return errors.Wrapf(ErrInvalidAction, "%s: %v", a.Type(), err)
	}
	if c, ok := a.(checker); ok {
		if err := c.check(); err != nil {
			return errors.Wrapf(ErrInvalidAction, "%s: %v", a.Type(), err)
		}
	}
	return nil
}
