package stripe

import (
	"context"
	"fmt"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	stripecustomer "github.com/stripe/stripe-go/v82/customer"
)

// CustomerResolver resolves a Stripe customer ID to an internal user ID by
// reading the customer's metadata from the Stripe API. Checkout always
// stamps user_id onto the customer, so an empty result is definitive.
type CustomerResolver struct {
	// Injectable for tests.
	getCustomer func(id string, params *stripelib.CustomerParams) (*stripelib.Customer, error)
}

// NewCustomerResolver creates a resolver backed by the live Stripe API.
func NewCustomerResolver() *CustomerResolver {
	return &CustomerResolver{getCustomer: stripecustomer.Get}
}

// ResolveUserID implements reconcile.CustomerResolver.
func (c *CustomerResolver) ResolveUserID(ctx context.Context, customerID string) (string, error) {
	if !IsSafeStripeID(customerID) {
		return "", nil
	}
	cust, err := c.getCustomer(customerID, nil)
	if err != nil {
		return "", fmt.Errorf("fetch customer %s: %w", customerID, err)
	}
	if cust == nil {
		return "", nil
	}
	return strings.TrimSpace(cust.Metadata["user_id"]), nil
}
