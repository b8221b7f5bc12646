package criteria

import (
	"net/url"
	"strings"
)

// IHE Invoke Image Display parameters
const (
	IIDRequestType    = "requestType"
	IIDRequestStudy   = "STUDY"
	IIDRequestPatient = "PATIENT"
)

// iidPassThrough lists the optional IID parameters that map one to one onto
// manifest request parameters.
var iidPassThrough = []string{
	ParamMostRecentResults,
	ParamLowerDateTime,
	ParamUpperDateTime,
	ParamModalitiesInStudy,
	ParamArchive,
	ParamUser,
	ParamHost,
	ParamClient,
}

// FromIID maps an Invoke Image Display request onto manifest request
// parameters. The result still has to go through Normalize.
func FromIID(params url.Values) (url.Values, error) {
	out := url.Values{}
	for _, key := range iidPassThrough {
		if v, ok := params[key]; ok {
			out[key] = v
		}
	}

	switch strings.ToUpper(strings.TrimSpace(params.Get(IIDRequestType))) {
	case IIDRequestPatient:
		ids := splitOrdered(params[ParamPatientID])
		if len(ids) == 0 {
			return nil, invalid("requestType=PATIENT requires patientID")
		}
		out[ParamPatientID] = ids
	case IIDRequestStudy:
		studies := splitOrdered(params[ParamStudyUID])
		accessions := splitOrdered(params[ParamAccessionNumber])
		if len(studies) == 0 && len(accessions) == 0 {
			return nil, invalid("requestType=STUDY requires studyUID or accessionNumber")
		}
		if len(studies) > 0 {
			out[ParamStudyUID] = studies
		}
		if len(accessions) > 0 {
			out[ParamAccessionNumber] = accessions
		}
	case "":
		return nil, invalid("missing requestType")
	default:
		return nil, invalid("unsupported requestType " + params.Get(IIDRequestType))
	}

	return out, nil
}
