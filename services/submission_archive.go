package services

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"golang.org/x/net/html/charset"
)

const (
	ProposalFileName = "Proposal.xml"
	BlocksFileName   = "Blocks.xml"
)

// ValidationError is raised for submissions which can never be processed. Its message
// is meant for the submitter.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func newValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is (or wraps) a *ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ProposalArchive describes the content of a submitted zip file.
type ProposalArchive struct {
	// XMLFile is ProposalFileName or BlocksFileName.
	XMLFile string
	// EmbeddedProposalCode is the code attribute of a Proposal root element, if any.
	EmbeddedProposalCode *string
}

// IsBlocks reports whether only blocks (rather than a whole proposal) are submitted.
func (a *ProposalArchive) IsBlocks() bool {
	return a.XMLFile == BlocksFileName
}

// InspectArchive checks that content is a zip file containing Proposal.xml or
// Blocks.xml and extracts the proposal code from a Proposal.xml root element.
func InspectArchive(content []byte) (*ProposalArchive, error) {
	r, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, newValidationError("The submitted file must be a zip file.")
	}

	var proposalXML, blocksXML *zip.File
	for _, f := range r.File {
		switch f.Name {
		case ProposalFileName:
			proposalXML = f
		case BlocksFileName:
			blocksXML = f
		}
	}

	xmlFile := proposalXML
	if xmlFile == nil {
		xmlFile = blocksXML
	}
	if xmlFile == nil {
		return nil, newValidationError("The zip file must contain a file %s or a file %s.", ProposalFileName, BlocksFileName)
	}

	rc, err := xmlFile.Open()
	if err != nil {
		return nil, newValidationError("The file %s could not be read from the zip file.", xmlFile.Name)
	}
	defer rc.Close()

	code, err := rootProposalCode(rc)
	if err != nil {
		return nil, newValidationError("The file %s is not a valid XML file.", xmlFile.Name)
	}

	return &ProposalArchive{XMLFile: xmlFile.Name, EmbeddedProposalCode: code}, nil
}

// rootProposalCode returns the code attribute of the root element if the root element
// is a Proposal element (in any namespace).
func rootProposalCode(r io.Reader) (*string, error) {
	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = charset.NewReaderLabel
	for {
		tok, err := decoder.Token()
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "Proposal" {
			return nil, nil
		}
		for _, attr := range start.Attr {
			if attr.Name.Local == "code" && attr.Name.Space == "" {
				code := attr.Value
				return &code, nil
			}
		}
		return nil, nil
	}
}
