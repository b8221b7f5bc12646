package dimse

import (
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Tag is a DICOM attribute tag
type Tag = tag.Tag

// Attributes used by query/retrieve
var (
	TagSpecificCharacterSet   = tag.SpecificCharacterSet
	TagSOPClassUID            = tag.SOPClassUID
	TagSOPInstanceUID         = tag.SOPInstanceUID
	TagStudyDate              = tag.StudyDate
	TagStudyTime              = tag.StudyTime
	TagAccessionNumber        = tag.AccessionNumber
	TagQueryRetrieveLevel     = tag.QueryRetrieveLevel
	TagModality               = tag.Modality
	TagModalitiesInStudy      = tag.ModalitiesInStudy
	TagReferringPhysicianName = tag.ReferringPhysicianName
	TagStudyDescription       = tag.StudyDescription
	TagSeriesDescription      = tag.SeriesDescription
	TagPatientName            = tag.PatientName
	TagPatientID              = tag.PatientID
	TagIssuerOfPatientID      = tag.IssuerOfPatientID
	TagPatientBirthDate       = tag.PatientBirthDate
	TagPatientSex             = tag.PatientSex
	TagStudyInstanceUID       = tag.StudyInstanceUID
	TagSeriesInstanceUID      = tag.SeriesInstanceUID
	TagStudyID                = tag.StudyID
	TagSeriesNumber           = tag.SeriesNumber
	TagInstanceNumber         = tag.InstanceNumber
)

// Command set attributes (group 0000). The standard dictionary shipped with
// the dicom package leaves them out, so they are registered at init.
var (
	tagCommandGroupLength        = Tag{Group: 0x0000, Element: 0x0000}
	tagAffectedSOPClassUID       = Tag{Group: 0x0000, Element: 0x0002}
	tagCommandField              = Tag{Group: 0x0000, Element: 0x0100}
	tagMessageID                 = Tag{Group: 0x0000, Element: 0x0110}
	tagMessageIDBeingRespondedTo = Tag{Group: 0x0000, Element: 0x0120}
	tagPriority                  = Tag{Group: 0x0000, Element: 0x0700}
	tagCommandDataSetType        = Tag{Group: 0x0000, Element: 0x0800}
	tagStatus                    = Tag{Group: 0x0000, Element: 0x0900}
)

func init() {
	for _, info := range []tag.Info{
		{Tag: tagCommandGroupLength, VRs: []string{"UL"}, Name: "Command Group Length", Keyword: "CommandGroupLength", VM: "1"},
		{Tag: tagAffectedSOPClassUID, VRs: []string{"UI"}, Name: "Affected SOP Class UID", Keyword: "AffectedSOPClassUID", VM: "1"},
		{Tag: tagCommandField, VRs: []string{"US"}, Name: "Command Field", Keyword: "CommandField", VM: "1"},
		{Tag: tagMessageID, VRs: []string{"US"}, Name: "Message ID", Keyword: "MessageID", VM: "1"},
		{Tag: tagMessageIDBeingRespondedTo, VRs: []string{"US"}, Name: "Message ID Being Responded To", Keyword: "MessageIDBeingRespondedTo", VM: "1"},
		{Tag: tagPriority, VRs: []string{"US"}, Name: "Priority", Keyword: "Priority", VM: "1"},
		{Tag: tagCommandDataSetType, VRs: []string{"US"}, Name: "Command Data Set Type", Keyword: "CommandDataSetType", VM: "1"},
		{Tag: tagStatus, VRs: []string{"US"}, Name: "Status", Keyword: "Status", VM: "1"},
	} {
		// an existing entry means a newer dictionary already knows the tag
		_ = tag.Add(info, false)
	}
}

// VROf returns the dictionary VR of t, or UN when unknown
func VROf(t Tag) string {
	info, err := tag.Find(t)
	if err != nil || len(info.VRs) == 0 {
		return tag.UnknownVR
	}
	return info.VRs[0]
}
