package calls

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"callpipeline/internal/directory"
	"callpipeline/pkg/apperr"
	"callpipeline/pkg/phone"
	"callpipeline/pkg/validate"
)

// SellerDirectory resolves a seller by canonical phone.
type SellerDirectory interface {
	FindByPhone(ctx context.Context, phone string) (directory.Seller, error)
}

// BuyerDirectory finds or creates a buyer keyed by (phone, agency).
type BuyerDirectory interface {
	FindOrCreate(ctx context.Context, phone, agencyID string) (directory.Buyer, error)
}

// Normalizer turns raw events into provisional CallRecords with resolved identities.
type Normalizer struct {
	sellers      SellerDirectory
	buyers       BuyerDirectory
	phones       phone.Normalizer
	validator    *validate.Validator
	minRecording int
}

func NewNormalizer(sellers SellerDirectory, buyers BuyerDirectory, phones phone.Normalizer, minRecordingSeconds int) *Normalizer {
	return &Normalizer{
		sellers:      sellers,
		buyers:       buyers,
		phones:       phones,
		validator:    validate.New(),
		minRecording: minRecordingSeconds,
	}
}

// NormalizeTelephony builds a provisional telephony record.
// Outgoing calls are placed by the seller (from); incoming calls ring the seller (to).
func (n *Normalizer) NormalizeTelephony(ctx context.Context, ev TelephonyEvent) (CallRecord, error) {
	if err := n.validator.Struct(ev); err != nil {
		return CallRecord{}, err
	}
	if d := ev.DurationSeconds; d != nil && (*d < 0 || *d > maxCallSeconds) {
		return CallRecord{}, apperr.Validation(fmt.Sprintf("duration must be between 0 and %d seconds, got %d", maxCallSeconds, *d))
	}

	sellerRaw, buyerRaw := ev.From, ev.To
	if ev.Direction == DirectionIncoming {
		sellerRaw, buyerRaw = ev.To, ev.From
	}

	rec := CallRecord{
		Source:          SourceTelephony,
		Direction:       ev.Direction,
		StartTime:       ev.StartTime.UTC(),
		TelephonyCallID: strings.TrimSpace(ev.CallID),
		DurationSeconds: ev.DurationSeconds,
	}
	if !ev.EndTime.IsZero() {
		rec.EndTime = timePtr(ev.EndTime.UTC())
	}
	rec.fillDuration()

	if ev.RecordingURL != "" && n.recordingUsable(rec.DurationSeconds) {
		rec.RecordingURL = ev.RecordingURL
	}
	rec.Status = DeriveTelephonyStatus(ev.Status, ev.Direction, rec.HasRecording())

	if err := n.resolveParties(ctx, &rec, sellerRaw, buyerRaw); err != nil {
		return CallRecord{}, err
	}
	return rec, nil
}

// NormalizeMobile builds a provisional mobile-app record.
func (n *Normalizer) NormalizeMobile(ctx context.Context, ev MobileAppEvent) (CallRecord, error) {
	if err := n.validator.Struct(ev); err != nil {
		return CallRecord{}, err
	}

	seconds, err := parseDuration(ev.Duration)
	if err != nil {
		return CallRecord{}, err
	}
	status, err := DeriveMobileStatus(ev.CallType, seconds)
	if err != nil {
		return CallRecord{}, err
	}

	rec := CallRecord{
		Source:          SourceMobileApp,
		Direction:       directionForCallType(ev.CallType),
		StartTime:       ev.StartTime.UTC(),
		MobileCallID:    strings.TrimSpace(ev.AppCallID),
		DurationSeconds: intPtr(seconds),
		Status:          status,
	}
	if ev.EndTime != nil && !ev.EndTime.IsZero() {
		rec.EndTime = timePtr(ev.EndTime.UTC())
	} else {
		rec.EndTime = timePtr(rec.StartTime.Add(time.Duration(seconds) * time.Second))
	}

	if err := n.resolveParties(ctx, &rec, ev.SellerNumber, ev.BuyerNumber); err != nil {
		return CallRecord{}, err
	}
	return rec, nil
}

func (n *Normalizer) resolveParties(ctx context.Context, rec *CallRecord, sellerRaw, buyerRaw string) error {
	sellerPhone := n.phones.Canonical(sellerRaw)
	if sellerPhone == "" {
		return apperr.Validation("seller number is missing or malformed")
	}
	buyerPhone := n.phones.Canonical(buyerRaw)
	if buyerPhone == "" {
		return apperr.Validation("buyer number is missing or malformed")
	}

	seller, err := n.sellers.FindByPhone(ctx, sellerPhone)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return apperr.Validation(fmt.Sprintf("no seller registered for %s", phone.Display(sellerPhone)))
		}
		return err
	}
	buyer, err := n.buyers.FindOrCreate(ctx, buyerPhone, seller.AgencyID)
	if err != nil {
		return err
	}

	rec.AgencyID = seller.AgencyID
	rec.SellerID = seller.ID
	rec.SellerPhone = sellerPhone
	rec.BuyerID = buyer.ID
	rec.BuyerPhone = buyerPhone
	return nil
}

func (n *Normalizer) recordingUsable(duration *int) bool {
	if n.minRecording <= 0 || duration == nil {
		return true
	}
	return *duration >= n.minRecording
}

// DeriveMobileStatus maps the app call type and duration to a call status.
func DeriveMobileStatus(callType CallType, durationSeconds int) (Status, error) {
	switch callType {
	case CallTypeMissed:
		return StatusMissed, nil
	case CallTypeRejected:
		return StatusRejected, nil
	case CallTypeIncoming:
		if durationSeconds == 0 {
			return StatusMissed, nil
		}
		return StatusProcessing, nil
	case CallTypeOutgoing:
		if durationSeconds == 0 {
			return StatusNotAnswered, nil
		}
		return StatusProcessing, nil
	default:
		return "", apperr.Validation(fmt.Sprintf("unknown call type %q", callType))
	}
}

// DeriveTelephonyStatus maps the provider status to a call status.
func DeriveTelephonyStatus(providerStatus string, dir Direction, hasRecording bool) Status {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case TelephonyStatusBusy, TelephonyStatusNoAnswer, TelephonyStatusFailed, TelephonyStatusCanceled:
		if dir == DirectionIncoming {
			return StatusMissed
		}
		return StatusNotAnswered
	}
	if hasRecording {
		return StatusProcessing
	}
	return StatusNotRecorded
}

func directionForCallType(t CallType) Direction {
	if t == CallTypeOutgoing {
		return DirectionOutgoing
	}
	return DirectionIncoming
}

// maxCallSeconds caps a reported duration at one day.
const maxCallSeconds = 24 * 60 * 60

func parseDuration(raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0, apperr.Validation(fmt.Sprintf("duration must be a whole non-negative number of seconds, got %q", raw))
	}
	if n > maxCallSeconds {
		return 0, apperr.Validation(fmt.Sprintf("duration %d exceeds %d seconds", n, maxCallSeconds))
	}
	return n, nil
}
