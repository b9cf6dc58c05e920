package entity

import (
	"fmt"
	"strings"
)

// ProviderSlug - конкретный продукт провайдера, к которому подключается пользователь.
type ProviderSlug string

const (
	ProviderGoogleCalendar    ProviderSlug = "google_calendar"
	ProviderGoogleMail        ProviderSlug = "google_gmail"
	ProviderMicrosoftCalendar ProviderSlug = "microsoft_calendar"
	ProviderMicrosoftMail     ProviderSlug = "microsoft_mail"
	ProviderLinkedIn          ProviderSlug = "linkedin"
)

// ProviderFamily - группа провайдеров с общим пространством OAuth кредов.
type ProviderFamily int

const (
	FamilyUnknown ProviderFamily = iota
	FamilyGoogle
	FamilyMicrosoft
	FamilyLinkedIn
)

var providerFamilies = map[ProviderSlug]ProviderFamily{
	ProviderGoogleCalendar:    FamilyGoogle,
	ProviderGoogleMail:        FamilyGoogle,
	ProviderMicrosoftCalendar: FamilyMicrosoft,
	ProviderMicrosoftMail:     FamilyMicrosoft,
	ProviderLinkedIn:          FamilyLinkedIn,
}

func (f ProviderFamily) String() string {
	switch f {
	case FamilyGoogle:
		return "google"
	case FamilyMicrosoft:
		return "microsoft"
	case FamilyLinkedIn:
		return "linkedin"
	default:
		return "unknown"
	}
}

func ParseProvider(s string) (ProviderSlug, error) {
	p := ProviderSlug(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := providerFamilies[p]; !ok {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return p, nil
}

func (p ProviderSlug) Family() ProviderFamily {
	return providerFamilies[p]
}

func (p ProviderSlug) String() string { return string(p) }
