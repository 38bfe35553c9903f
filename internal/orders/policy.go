package orders

import (
	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/identity"
)

type Action string

const (
	ActionView            Action = "view"
	ActionCancel          Action = "cancel"
	ActionUpdateStatus    Action = "update_status"
	ActionConfirmDelivery Action = "confirm_delivery"
	ActionPay             Action = "pay"
	ActionViewPayment     Action = "view_payment"
	ActionReconcile       Action = "reconcile"
)

// Decision is the result of an authorization check; Reason is set on denial.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision              { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Reason: reason} }

// Err converts a denial into a Forbidden error.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperr.Forbidden("%s", d.Reason)
}

// Authorize decides whether actor may perform action on o. It looks only at
// ownership and role, never at the order status.
func Authorize(actor identity.Actor, action Action, o Order) Decision {
	isBuyer := actor.UserID != "" && o.BuyerID == actor.UserID
	isSeller := actor.UserID != "" && o.HasSeller(actor.UserID)

	switch action {
	case ActionView:
		if isBuyer || isSeller || actor.IsAdmin() {
			return allow()
		}
		return deny("you do not have access to this order")
	case ActionCancel:
		if isBuyer {
			return allow()
		}
		return deny("only the buyer can cancel this order")
	case ActionUpdateStatus:
		if isSeller || actor.IsAdmin() {
			return allow()
		}
		return deny("only sellers of this order or admins can update its status")
	case ActionConfirmDelivery:
		if isBuyer {
			return allow()
		}
		return deny("only the buyer can confirm delivery")
	case ActionPay:
		if isBuyer {
			return allow()
		}
		return deny("you can only pay for your own orders")
	case ActionViewPayment:
		if isBuyer || actor.IsAdmin() {
			return allow()
		}
		return deny("you do not have access to this payment")
	case ActionReconcile:
		if actor.IsSystem() {
			return allow()
		}
		return deny("only payment reconciliation may apply gateway outcomes")
	}
	return deny("unknown action")
}

var actionTargets = map[Action]map[Status]bool{
	ActionCancel:          {StatusCancelled: true},
	ActionUpdateStatus:    {StatusPaid: true, StatusShipped: true},
	ActionConfirmDelivery: {StatusCompleted: true},
	ActionReconcile:       {StatusPaid: true, StatusCancelled: true},
}

// idempotent actions treat "already there" as success
var idempotentActions = map[Action]bool{
	ActionUpdateStatus: true,
	ActionReconcile:    true,
}

// Plan checks that actor may move o to the target status. It returns changed=false
// with a nil error when the order is already in that status and the action tolerates replays.
func Plan(actor identity.Actor, action Action, o Order, to Status) (changed bool, err error) {
	if err := Authorize(actor, action, o).Err(); err != nil {
		return false, err
	}
	if !actionTargets[action][to] {
		return false, apperr.InvalidTransition("cannot set order status to %s via %s", to, action)
	}
	if o.Status == to && idempotentActions[action] {
		return false, nil
	}
	if o.Status.Terminal() {
		return false, apperr.InvalidTransition("order %s is %s and can no longer change", o.ID, o.Status)
	}
	if !CanTransition(o.Status, to) {
		return false, apperr.InvalidTransition("order %s cannot move from %s to %s", o.ID, o.Status, to)
	}
	return true, nil
}
