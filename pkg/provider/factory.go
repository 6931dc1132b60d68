package provider

import (
	"fmt"
	"sort"
)

// New creates a provider client for a single profile.
func New(profile Profile) (Client, error) {
	if profile.ID == "" {
		return nil, fmt.Errorf("provider profile needs an id")
	}
	if profile.APIKey == "" {
		return nil, fmt.Errorf("profile %s: api key is required", profile.ID)
	}

	switch profile.Provider {
	case VendorAnthropic:
		return NewAnthropicClient(profile), nil
	case VendorOpenAI:
		return NewOpenAIClient(profile), nil
	case VendorOpenAICompatible:
		if profile.BaseURL == "" {
			return nil, fmt.Errorf("profile %s: openai_compatible requires a base_url", profile.ID)
		}
		return NewOpenAIClient(profile), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// NewChain builds a client per profile, ordered by ascending priority.
// Profiles with equal priority keep their configured order.
func NewChain(profiles []Profile) ([]Client, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("at least one provider profile is required")
	}

	ordered := make([]Profile, len(profiles))
	copy(ordered, profiles)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	clients := make([]Client, 0, len(ordered))
	for _, profile := range ordered {
		client, err := New(profile)
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}
	return clients, nil
}
