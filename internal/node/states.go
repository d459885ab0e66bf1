package node

// ProcessingState is the processor-local lifecycle of one item's consensus
// run. It is never persisted; the ledger's item.State carries the durable
// outcome.
type ProcessingState int

const (
	ProcessingNotExist ProcessingState = iota
	ProcessingInit
	ProcessingDownloading
	ProcessingDownloaded
	ProcessingChecking
	ProcessingResyncing
	ProcessingGotResyncedState
	ProcessingPolling
	ProcessingGotConsensus
	ProcessingDone
	ProcessingSendingConsensus
	ProcessingFinished
	// ProcessingEmergencyBreak is the absorbing failure state, reachable
	// from anywhere.
	ProcessingEmergencyBreak
)

var processingNames = map[ProcessingState]string{
	ProcessingNotExist:         "NOT_EXIST",
	ProcessingInit:             "INIT",
	ProcessingDownloading:      "DOWNLOADING",
	ProcessingDownloaded:       "DOWNLOADED",
	ProcessingChecking:         "CHECKING",
	ProcessingResyncing:        "RESYNCING",
	ProcessingGotResyncedState: "GOT_RESYNCED_STATE",
	ProcessingPolling:          "POLLING",
	ProcessingGotConsensus:     "GOT_CONSENSUS",
	ProcessingDone:             "DONE",
	ProcessingSendingConsensus: "SENDING_CONSENSUS",
	ProcessingFinished:         "FINISHED",
	ProcessingEmergencyBreak:   "EMERGENCY_BREAK",
}

func (s ProcessingState) String() string {
	if name, ok := processingNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsProcessedToConsensus reports whether a terminal verdict was reached;
// it gates re-entrant checking and vote accounting.
func (s ProcessingState) IsProcessedToConsensus() bool {
	switch s {
	case ProcessingGotConsensus, ProcessingDone, ProcessingSendingConsensus, ProcessingFinished:
		return true
	}
	return false
}

// IsDone reports whether the processor has fully finished.
func (s ProcessingState) IsDone() bool {
	return s == ProcessingDone || s == ProcessingFinished
}

// IsTerminal reports whether no further transitions happen.
func (s ProcessingState) IsTerminal() bool {
	return s == ProcessingFinished || s == ProcessingEmergencyBreak
}

// ParcelState is the parcel coordinator's lifecycle. Values are ordered so
// regressions can be asserted against ordinals.
type ParcelState int

const (
	ParcelNotExist ParcelState = iota
	ParcelInit
	ParcelDownloading
	ParcelPreparing
	ParcelPaymentChecking
	ParcelPayloadChecking
	ParcelResyncing
	ParcelGotResyncedState
	ParcelPaymentPolling
	ParcelPayloadPolling
	ParcelGotConsensus
	ParcelSendingConsensus
	ParcelFinished
	ParcelEmergencyBreak
)

var parcelStateNames = map[ParcelState]string{
	ParcelNotExist:         "NOT_EXIST",
	ParcelInit:             "INIT",
	ParcelDownloading:      "DOWNLOADING",
	ParcelPreparing:        "PREPARING",
	ParcelPaymentChecking:  "PAYMENT_CHECKING",
	ParcelPayloadChecking:  "PAYLOAD_CHECKING",
	ParcelResyncing:        "RESYNCING",
	ParcelGotResyncedState: "GOT_RESYNCED_STATE",
	ParcelPaymentPolling:   "PAYMENT_POLLING",
	ParcelPayloadPolling:   "PAYLOAD_POLLING",
	ParcelGotConsensus:     "GOT_CONSENSUS",
	ParcelSendingConsensus: "SENDING_CONSENSUS",
	ParcelFinished:         "FINISHED",
	ParcelEmergencyBreak:   "EMERGENCY_BREAK",
}

func (s ParcelState) String() string {
	if name, ok := parcelStateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// CanContinue is false only for the absorbing failure state.
func (s ParcelState) CanContinue() bool {
	return s != ParcelEmergencyBreak
}

// CanRemoveSelf reports whether the coordinator may unregister.
func (s ParcelState) CanRemoveSelf() bool {
	return s == ParcelFinished || s == ParcelEmergencyBreak
}
