package collector

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	priceRe     = regexp.MustCompile(`\$([\d,]+)`)
	bedroomsRe  = regexp.MustCompile(`(\d+)\s*br`)
	bathroomsRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*ba`)
	sqftRe      = regexp.MustCompile(`([\d,]+)\s*ft²?`)
	postalRe    = regexp.MustCompile(`\b(\d{5})(?:-\d{4})?\b`)
	listingIDRe = regexp.MustCompile(`/(\d+)\.html`)
)

// ExtractPrice reads a rent like "$1,200".
func ExtractPrice(text string) *float64 {
	m := priceRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return nil
	}
	return &v
}

// ExtractBedrooms reads "2br" style counts; a studio has zero bedrooms.
func ExtractBedrooms(text string) *int {
	lower := strings.ToLower(text)
	if m := bedroomsRe.FindStringSubmatch(lower); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			return &v
		}
		return nil
	}
	if strings.Contains(lower, "studio") {
		v := 0
		return &v
	}
	return nil
}

// ExtractBathrooms reads "1.5ba" style counts.
func ExtractBathrooms(text string) *float64 {
	m := bathroomsRe.FindStringSubmatch(strings.ToLower(text))
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	return &v
}

// ExtractSquareFeet reads areas like "850ft2" or "1,100 ft²".
func ExtractSquareFeet(text string) *int {
	m := sqftRe.FindStringSubmatch(strings.ToLower(text))
	if m == nil {
		return nil
	}
	v, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
	if err != nil || v <= 0 {
		return nil
	}
	return &v
}

// ExtractPostalCode returns the first five-digit ZIP code in text.
func ExtractPostalCode(text string) string {
	m := postalRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

// ExtractListingID returns the numeric id of a "/123456.html" listing URL.
func ExtractListingID(url string) string {
	m := listingIDRe.FindStringSubmatch(url)
	if m == nil {
		return ""
	}
	return m[1]
}
