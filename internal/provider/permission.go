package provider

import "fmt"

// TierTable maps data types to the minimum tier allowed to read them. Data
// types missing from the table are open to every caller.
type TierTable map[DataType]Tier

// Required returns the minimum tier for dt.
func (t TierTable) Required(dt DataType) Tier {
	if tier, ok := t[dt]; ok {
		return tier
	}
	return TierFree
}

// CheckPermission fails with a KindPermission error carrying an upgrade prompt
// when the caller's tier is below what dt requires. Requests without a caller
// are internal and always allowed.
func CheckPermission(src Source, table TierTable, req *DataRequest) error {
	caller, ok := req.Caller()
	if !ok {
		return nil
	}
	need := table.Required(req.DataType())
	if caller.Tier >= need {
		return nil
	}
	msg := fmt.Sprintf("%s data requires the %s plan; current plan is %s", req.DataType(), need, caller.Tier)
	return &Error{
		Kind:    KindPermission,
		Source:  src,
		Message: "upgrade required: " + msg,
		UpgradePrompt: &UpgradePrompt{
			RequiredTier: need.String(),
			CurrentTier:  caller.Tier.String(),
			DataType:     req.DataType(),
			Source:       src,
			Message:      msg,
		},
	}
}
