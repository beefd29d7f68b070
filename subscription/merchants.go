package subscription

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/subpay/tee-subscription-backend/interfaces"
)

type merchantSeed struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Receiver string `json:"receiver"`
}

// LoadMerchantsFile parses a merchant directory seed file. The file is a
// JSON array of {id, name, receiver} entries with hex receiver addresses.
func LoadMerchantsFile(path string) ([]interfaces.Merchant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading merchant seed file: %w", err)
	}

	var seeds []merchantSeed
	if err := json.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("parsing merchant seed file: %w", err)
	}

	merchants := make([]interfaces.Merchant, 0, len(seeds))
	for _, seed := range seeds {
		receiver, err := interfaces.NewAccountAddressFromHex(seed.Receiver)
		if err != nil {
			return nil, fmt.Errorf("merchant %q receiver: %w", seed.ID, err)
		}
		merchants = append(merchants, interfaces.Merchant{
			ID:       seed.ID,
			Name:     seed.Name,
			Receiver: receiver,
		})
	}
	return merchants, nil
}
