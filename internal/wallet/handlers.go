package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/nwcmux/walletmux/internal/errs"
	"github.com/nwcmux/walletmux/internal/ledger"
	"github.com/nwcmux/walletmux/internal/upstream"
)

// dispatch routes a decrypted request to its handler and maps the result
// into a ResponseEnvelope (§4.5 failure mapping: handler errors become
// protocol error responses).
func (e *Endpoint) dispatch(ctx context.Context, req RequestEnvelope) ResponseEnvelope {
	var (
		result any
		err    error
	)

	switch req.Method {
	case "get_balance":
		result, err = e.handleGetBalance(ctx)
	case "get_info":
		result, err = e.handleGetInfo(ctx)
	case "make_invoice":
		result, err = e.handleMakeInvoice(ctx, req.Params)
	case "pay_invoice":
		result, err = e.handlePayInvoice(ctx, req.Params)
	case "lookup_invoice":
		result, err = e.handleLookupInvoice(ctx, req.Params)
	default:
		err = fmt.Errorf("%w: unknown method %q", errs.ErrInvalidInput, req.Method)
	}

	if err != nil {
		log.Infof("wallet: %s %s failed: %v", e.subAccountID, req.Method, err)
		return ResponseEnvelope{
			ResultType: req.Method,
			Error:      &ErrorBody{Code: errorCode(err), Message: err.Error()},
		}
	}
	return ResponseEnvelope{ResultType: req.Method, Result: mustMarshal(result)}
}

func errorCode(err error) string {
	for _, kind := range []error{
		errs.ErrInvalidInput, errs.ErrUnknownSubAccount, errs.ErrDuplicateKey,
		errs.ErrInsufficientBalance, errs.ErrInvalidTransition, errs.ErrInvoiceAmountMissing,
		errs.ErrUpstreamFailure, errs.ErrTimeout, errs.ErrAuthFailure, errs.ErrTransportDropped,
	} {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return "internal_error"
}

type balanceResult struct {
	BalanceMsats int64 `json:"balance"`
}

func (e *Endpoint) handleGetBalance(ctx context.Context) (any, error) {
	acct, err := e.store.GetSubAccountByID(e.subAccountID)
	if err != nil {
		return nil, err
	}
	return balanceResult{BalanceMsats: acct.BalanceMsats}, nil
}

func (e *Endpoint) handleGetInfo(ctx context.Context) (any, error) {
	return e.adapter.GetInfo(ctx)
}

type makeInvoiceParams struct {
	AmountMsats     int64  `json:"amount"`
	Description     string `json:"description,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	ExpirySeconds   int64  `json:"expiry,omitempty"`
}

func (e *Endpoint) handleMakeInvoice(ctx context.Context, raw json.RawMessage) (any, error) {
	var p makeInvoiceParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidInput, err)
	}
	if p.AmountMsats <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", errs.ErrInvalidInput)
	}

	inv, err := e.adapter.MakeInvoice(ctx, p.AmountMsats, upstream.MakeInvoiceOpts{
		Description:     p.Description,
		DescriptionHash: p.DescriptionHash,
		ExpirySeconds:   p.ExpirySeconds,
	})
	if err != nil {
		return nil, err
	}

	_, err = e.store.RegisterPendingInvoice(ledger.RegisterPendingInvoiceParams{
		SubAccountID:    e.subAccountID,
		Invoice:         inv.Invoice,
		PaymentHash:     inv.PaymentHash,
		DescriptionHash: inv.DescriptionHash,
		AmountMsats:     p.AmountMsats,
		ExpiresAt:       inv.ExpiresAt,
		Raw:             inv.Raw,
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

type payInvoiceParams struct {
	Invoice     string `json:"invoice"`
	AmountMsats *int64 `json:"amount,omitempty"`
}

func (e *Endpoint) handlePayInvoice(ctx context.Context, raw json.RawMessage) (any, error) {
	var p payInvoiceParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidInput, err)
	}
	if p.Invoice == "" {
		return nil, fmt.Errorf("%w: invoice is required", errs.ErrInvalidInput)
	}

	amountMsats, ok := bolt11AmountMsats(p.Invoice)
	if !ok {
		if p.AmountMsats == nil || *p.AmountMsats <= 0 {
			return nil, errs.ErrInvoiceAmountMissing
		}
		amountMsats = *p.AmountMsats
	}

	acct, err := e.store.GetSubAccountByID(e.subAccountID)
	if err != nil {
		return nil, err
	}
	if acct.BalanceMsats < amountMsats {
		return nil, errs.ErrInsufficientBalance
	}

	result, err := e.adapter.PayInvoice(ctx, p.Invoice, p.AmountMsats)
	if err != nil {
		return nil, err
	}

	if _, err := e.store.AdjustBalance(e.subAccountID, -amountMsats); err != nil {
		log.Errorf("wallet: %s paid %d msats upstream but local debit failed: %v (local balance not debited)", e.subAccountID, amountMsats, err)
		return nil, err
	}
	return result, nil
}

type lookupInvoiceParams struct {
	PaymentHash string `json:"payment_hash,omitempty"`
	Invoice     string `json:"invoice,omitempty"`
}

func (e *Endpoint) handleLookupInvoice(ctx context.Context, raw json.RawMessage) (any, error) {
	var p lookupInvoiceParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidInput, err)
	}
	if p.PaymentHash == "" && p.Invoice == "" {
		return nil, fmt.Errorf("%w: payment_hash or invoice is required", errs.ErrInvalidInput)
	}

	inv, err := e.adapter.LookupInvoice(ctx, p.PaymentHash, p.Invoice)
	if err != nil {
		return nil, err
	}

	if inv.State == upstream.InvoiceStateSettled {
		var settledAt *int64
		if inv.SettledAt != nil {
			settledAt = inv.SettledAt
		}
		e.reconciler.ReconcileAsync(upstream.Notification{
			Type:            "lookup",
			PaymentHash:     inv.PaymentHash,
			Invoice:         inv.Invoice,
			DescriptionHash: inv.DescriptionHash,
			AmountMsats:     inv.AmountMsats,
			SettledAt:       settledAt,
			Raw:             inv.Raw,
		})
	}
	return inv, nil
}
