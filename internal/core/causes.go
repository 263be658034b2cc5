package core

import "fmt"

// Cause is a normalized Q.850-style hangup cause. Values below 128 follow
// the ITU-T Q.850 assignments; values of 600 and above are local extensions
// for call-control outcomes that have no Q.850 equivalent.
type Cause int

const (
	CauseNone                  Cause = 0
	CauseUnallocatedNumber     Cause = 1
	CauseNoRouteDestination    Cause = 3
	CauseNormalClearing        Cause = 16
	CauseUserBusy              Cause = 17
	CauseNoUserResponse        Cause = 18
	CauseNoAnswer              Cause = 19
	CauseCallRejected          Cause = 21
	CauseNumberChanged         Cause = 22
	CauseDestinationOutOfOrder Cause = 27
	CauseInvalidNumberFormat   Cause = 28
	CauseNormalTempFailure     Cause = 41
	CauseNetworkOutOfOrder     Cause = 38
	CauseServiceUnavailable    Cause = 63
	CauseIncompatibleDest      Cause = 88
	CauseMandatoryIEMissing    Cause = 96
	CauseRecoveryOnTimer       Cause = 102
	CauseInterworking          Cause = 127

	CauseOriginatorCancel Cause = 600
	CauseLoseRace         Cause = 601
	CauseManagerRequest   Cause = 602
	CauseAttendedTransfer Cause = 603
	CauseSuccess          Cause = 604
)

var causeNames = map[Cause]string{
	CauseNone:                  "NONE",
	CauseUnallocatedNumber:     "UNALLOCATED_NUMBER",
	CauseNoRouteDestination:    "NO_ROUTE_DESTINATION",
	CauseNormalClearing:        "NORMAL_CLEARING",
	CauseUserBusy:              "USER_BUSY",
	CauseNoUserResponse:        "NO_USER_RESPONSE",
	CauseNoAnswer:              "NO_ANSWER",
	CauseCallRejected:          "CALL_REJECTED",
	CauseNumberChanged:         "NUMBER_CHANGED",
	CauseDestinationOutOfOrder: "DESTINATION_OUT_OF_ORDER",
	CauseInvalidNumberFormat:   "INVALID_NUMBER_FORMAT",
	CauseNormalTempFailure:     "NORMAL_TEMPORARY_FAILURE",
	CauseNetworkOutOfOrder:     "NETWORK_OUT_OF_ORDER",
	CauseServiceUnavailable:    "SERVICE_UNAVAILABLE",
	CauseIncompatibleDest:      "INCOMPATIBLE_DESTINATION",
	CauseMandatoryIEMissing:    "MANDATORY_IE_MISSING",
	CauseRecoveryOnTimer:       "RECOVERY_ON_TIMER_EXPIRE",
	CauseInterworking:          "INTERWORKING",
	CauseOriginatorCancel:      "ORIGINATOR_CANCEL",
	CauseLoseRace:              "LOSE_RACE",
	CauseManagerRequest:        "MANAGER_REQUEST",
	CauseAttendedTransfer:      "ATTENDED_TRANSFER",
	CauseSuccess:               "SUCCESS",
}

// CauseFromName resolves a symbolic cause name.
func CauseFromName(name string) (Cause, bool) {
	for c, n := range causeNames {
		if n == name {
			return c, true
		}
	}
	return CauseNone, false
}

// String returns the symbolic name of the cause.
func (c Cause) String() string {
	if name, ok := causeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CAUSE_%d", int(c))
}

// StatusFromCause maps a hangup cause to the protocol answer used when
// this side terminates an unanswered dialog. Answered dialogs get a BYE;
// there the pair is advisory, carried for logging.
func StatusFromCause(c Cause) (int, string) {
	switch c {
	case CauseUnallocatedNumber, CauseNoRouteDestination:
		return 404, "Not Found"
	case CauseUserBusy:
		return 486, "Busy Here"
	case CauseCallRejected:
		return 403, "Forbidden"
	case CauseNumberChanged:
		return 410, "Gone"
	case CauseInvalidNumberFormat:
		return 484, "Address Incomplete"
	case CauseIncompatibleDest, CauseMandatoryIEMissing:
		return 488, "Not Acceptable Here"
	case CauseNetworkOutOfOrder:
		return 502, "Bad Gateway"
	case CauseServiceUnavailable, CauseNormalTempFailure:
		return 503, "Service Unavailable"
	case CauseRecoveryOnTimer, CauseNoUserResponse, CauseNoAnswer:
		return 408, "Request Timeout"
	default:
		return 487, "Request Terminated"
	}
}

// CauseFromStatus maps a SIP status code to a normalized hangup cause.
// An explicit application cause always takes precedence over this table;
// it is consulted only when the terminating event carries no cause of its own.
func CauseFromStatus(status int) Cause {
	switch status {
	case 0, 200:
		return CauseNormalClearing
	case 401, 402, 403, 407, 603:
		return CauseCallRejected
	case 404, 485, 604:
		return CauseUnallocatedNumber
	case 408, 504:
		return CauseRecoveryOnTimer
	case 410:
		return CauseNumberChanged
	case 413, 414, 416, 420, 421, 423, 505, 513:
		return CauseInterworking
	case 480, 487:
		return CauseNoUserResponse
	case 400, 481, 500, 503:
		return CauseNormalTempFailure
	case 486, 600:
		return CauseUserBusy
	case 484:
		return CauseInvalidNumberFormat
	case 488, 606:
		return CauseIncompatibleDest
	case 502:
		return CauseNetworkOutOfOrder
	case 405, 501:
		return CauseServiceUnavailable
	default:
		return CauseNormalClearing
	}
}
