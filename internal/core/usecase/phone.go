package usecase

import (
	"fmt"
	"strings"
	"unicode"
)

var networkPrefixes = map[string][]string{
	"MTN":     {"0803", "0806", "0810", "0813", "0814", "0816", "0903", "0906", "0913", "0916"},
	"AIRTEL":  {"0802", "0808", "0812", "0901", "0902", "0904", "0907", "0912"},
	"GLO":     {"0805", "0807", "0811", "0815", "0905", "0915"},
	"9MOBILE": {"0809", "0817", "0818", "0908", "0909"},
}

// networkServiceIDs сопоставляет оператора с serviceID провайдера
var networkServiceIDs = map[string]string{
	"MTN":      "mtn",
	"AIRTEL":   "airtel",
	"GLO":      "glo",
	"9MOBILE":  "etisalat",
	"ETISALAT": "etisalat",
}

// FormatPhoneNumber приводит номер к локальному виду 0XXXXXXXXXX
func FormatPhoneNumber(phone string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, phone)

	if strings.HasPrefix(cleaned, "234") {
		cleaned = "0" + cleaned[3:]
	}
	if !strings.HasPrefix(cleaned, "0") {
		cleaned = "0" + cleaned
	}
	if len(cleaned) != 11 {
		return "", fmt.Errorf("%w: phone number %q", ErrInvalidOrder, phone)
	}
	return cleaned, nil
}

// DetectNetwork определяет оператора по префиксу уже нормализованного номера
func DetectNetwork(phone string) (string, bool) {
	if len(phone) < 4 {
		return "", false
	}
	prefix := phone[:4]
	for network, prefixes := range networkPrefixes {
		for _, p := range prefixes {
			if p == prefix {
				return network, true
			}
		}
	}
	return "", false
}

// ResolveAirtimeService возвращает оператора и serviceID: явно указанный или определённый по номеру
func ResolveAirtimeService(network, phone string) (string, string, error) {
	name := strings.ToUpper(strings.TrimSpace(network))
	if name == "" {
		detected, ok := DetectNetwork(phone)
		if !ok {
			return "", "", ErrUnsupportedNetwork
		}
		name = detected
	}

	serviceID, ok := networkServiceIDs[name]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedNetwork, name)
	}
	if name == "ETISALAT" {
		name = "9MOBILE"
	}
	return name, serviceID, nil
}
