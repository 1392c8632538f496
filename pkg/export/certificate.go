package export

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// CertificateParty is a named party block on the certificate.
type CertificateParty struct {
	Name  string
	Email string
	Phone string
}

// CertificateCoverage is one row of the coverage table.
type CertificateCoverage struct {
	Type           string
	Carrier        string
	PolicyNumber   string
	EffectiveDate  string
	ExpirationDate string
	Limits         []string
}

// Certificate holds everything printed on an ACORD 25 style certificate of liability insurance.
type Certificate struct {
	Number      string
	IssuedAt    time.Time
	Producer    CertificateParty
	Insured     CertificateParty
	Holder      CertificateParty
	Coverages   []CertificateCoverage
	Description string
}

// CertificateRenderer renders certificates as PDF.
type CertificateRenderer struct{}

// NewCertificateRenderer constructs a renderer.
func NewCertificateRenderer() *CertificateRenderer {
	return &CertificateRenderer{}
}

// Render lays out the certificate on a single US Letter page.
func (r *CertificateRenderer) Render(cert Certificate) ([]byte, error) {
	if strings.TrimSpace(cert.Insured.Name) == "" {
		return nil, fmt.Errorf("certificate requires an insured party")
	}
	if cert.IssuedAt.IsZero() {
		cert.IssuedAt = time.Now().UTC()
	}

	pdf := gofpdf.New("P", "mm", "Letter", "")
	pdf.SetMargins(12, 12, 12)
	pdf.SetAutoPageBreak(true, 12)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(0, 8, "CERTIFICATE OF LIABILITY INSURANCE", "", 1, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 8)
	pdf.CellFormat(0, 5, fmt.Sprintf("DATE (MM/DD/YYYY): %s    CERTIFICATE NO: %s", cert.IssuedAt.Format("01/02/2006"), cert.Number), "", 1, "R", false, 0, "")
	pdf.MultiCell(0, 4, tr("THIS CERTIFICATE IS ISSUED AS A MATTER OF INFORMATION ONLY AND CONFERS NO RIGHTS UPON THE CERTIFICATE HOLDER. THIS CERTIFICATE DOES NOT AFFIRMATIVELY OR NEGATIVELY AMEND, EXTEND OR ALTER THE COVERAGE AFFORDED BY THE POLICIES BELOW."), "1", "L", false)
	pdf.Ln(2)

	partyBlock(pdf, tr, "PRODUCER", cert.Producer)
	partyBlock(pdf, tr, "INSURED", cert.Insured)
	pdf.Ln(2)

	headers := []string{"TYPE OF INSURANCE", "INSURER", "POLICY NUMBER", "EFF DATE", "EXP DATE", "LIMITS"}
	widths := []float64{38, 34, 30, 20, 20, 50}
	pdf.SetFont("Helvetica", "B", 8)
	for i, header := range headers {
		pdf.CellFormat(widths[i], 7, header, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 8)
	for _, cov := range cert.Coverages {
		limits := cov.Limits
		if len(limits) == 0 {
			limits = []string{""}
		}
		height := 5.0 * float64(len(limits))
		cells := []string{cov.Type, cov.Carrier, cov.PolicyNumber, cov.EffectiveDate, cov.ExpirationDate}
		for i, value := range cells {
			pdf.CellFormat(widths[i], height, tr(value), "1", 0, "L", false, 0, "")
		}
		x, y := pdf.GetXY()
		for j, limit := range limits {
			pdf.SetXY(x, y+5.0*float64(j))
			pdf.CellFormat(widths[5], 5, tr(limit), "LR", 0, "L", false, 0, "")
		}
		pdf.SetXY(12, y+height)
		pdf.Line(12, y+height, 12+sum(widths), y+height)
	}
	pdf.Ln(3)

	if cert.Description != "" {
		pdf.SetFont("Helvetica", "B", 8)
		pdf.CellFormat(0, 5, "DESCRIPTION OF OPERATIONS / LOCATIONS / VEHICLES", "LTR", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 8)
		pdf.MultiCell(0, 4, tr(cert.Description), "LBR", "L", false)
		pdf.Ln(2)
	}

	partyBlock(pdf, tr, "CERTIFICATE HOLDER", cert.Holder)

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render certificate: %w", err)
	}
	return buf.Bytes(), nil
}

func partyBlock(pdf *gofpdf.Fpdf, tr func(string) string, title string, party CertificateParty) {
	pdf.SetFont("Helvetica", "B", 8)
	pdf.CellFormat(0, 5, title, "LTR", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	lines := []string{party.Name}
	if party.Email != "" {
		lines = append(lines, party.Email)
	}
	if party.Phone != "" {
		lines = append(lines, party.Phone)
	}
	pdf.MultiCell(0, 5, tr(strings.Join(lines, "\n")), "LBR", "L", false)
}

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}
