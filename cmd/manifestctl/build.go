package main

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/nroduit/viewer-hub-sub002/internal/criteria"
	"github.com/nroduit/viewer-hub-sub002/internal/models"
	"github.com/nroduit/viewer-hub-sub002/internal/serializer"
	"github.com/spf13/cobra"
)

type buildOptions struct {
	patientIDs   []string
	studyUIDs    []string
	accessions   []string
	seriesUIDs   []string
	objectUIDs   []string
	archives     []string
	modalities   []string
	description  string
	lower, upper string
	mostRecent   int
	format       string
	token        string
}

func newBuildCmd(opts *options) *cobra.Command {
	b := &buildOptions{}
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a manifest and write it to stdout",
		Example: `  manifestctl build --patient-id P1 --modality CT --most-recent 3
  manifestctl build --study-uid 1.2.840.1 --archive pacs --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			identity := models.Anonymous()
			if b.token != "" {
				identity = models.Identity{Subject: "manifestctl", Token: b.token, Authenticated: true}
			}

			result, err := a.Service.BuildFromParams(cmd.Context(), b.params(), identity)
			if err != nil {
				return err
			}

			m := result.Manifest
			if len(m.FailedArchives) > 0 {
				cmd.PrintErrf("failed archives: %s\n", strings.Join(m.FailedArchives, ", "))
			}
			return serializer.Write(cmd.OutOrStdout(), serializer.Negotiate(b.format, ""), m)
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&b.patientIDs, "patient-id", nil, "patient IDs")
	f.StringSliceVar(&b.studyUIDs, "study-uid", nil, "study instance UIDs")
	f.StringSliceVar(&b.accessions, "accession", nil, "accession numbers")
	f.StringSliceVar(&b.seriesUIDs, "series-uid", nil, "series instance UIDs")
	f.StringSliceVar(&b.objectUIDs, "object-uid", nil, "SOP instance UIDs")
	f.StringSliceVar(&b.archives, "archive", nil, "restrict the build to these archives, in order")
	f.StringSliceVar(&b.modalities, "modality", nil, "keep studies with these modalities")
	f.StringVar(&b.description, "description", "", "keep studies whose description contains this text")
	f.StringVar(&b.lower, "after", "", "keep studies after this date time")
	f.StringVar(&b.upper, "before", "", "keep studies before this date time")
	f.IntVar(&b.mostRecent, "most-recent", 0, "keep only the N most recent studies per patient")
	f.StringVar(&b.format, "format", "xml", "output format: xml or json")
	f.StringVar(&b.token, "token", "", "bearer token forwarded to the archives")
	return cmd
}

// params renders the flags as manifest request parameters
func (b *buildOptions) params() url.Values {
	p := url.Values{}
	set := func(key string, values []string) {
		if len(values) > 0 {
			p[key] = values
		}
	}
	set(criteria.ParamPatientID, b.patientIDs)
	set(criteria.ParamStudyUID, b.studyUIDs)
	set(criteria.ParamAccessionNumber, b.accessions)
	set(criteria.ParamSeriesUID, b.seriesUIDs)
	set(criteria.ParamObjectUID, b.objectUIDs)
	set(criteria.ParamArchive, b.archives)
	set(criteria.ParamModalitiesInStudy, b.modalities)
	if b.description != "" {
		p.Set(criteria.ParamContainsInDesc, b.description)
	}
	if b.lower != "" {
		p.Set(criteria.ParamLowerDateTime, b.lower)
	}
	if b.upper != "" {
		p.Set(criteria.ParamUpperDateTime, b.upper)
	}
	if b.mostRecent > 0 {
		p.Set(criteria.ParamMostRecentResults, strconv.Itoa(b.mostRecent))
	}
	return p
}
