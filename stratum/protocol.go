package stratum

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	MethodSubscribe = "mining.subscribe"
	MethodSubmit    = "mining.submit"
	MethodNotify    = "mining.notify"
	MethodPing      = "mining.ping"
	MethodPong      = "mining.pong"
)

const (
	errInvalidSubscription = "Invalid subscription format"
	errInvalidSubmission   = "Invalid submission format"
	errNoSubmitHandler     = "Submissions are not accepted"
	invalidCoinsPrefix     = "Invalid coins: "
)

// RemoteAddressOption is the options key the server fills with the peer host
// before handing a submission to the application.
const RemoteAddressOption = "remoteAddress"

// SubmitParams is the payload of mining.submit.
type SubmitParams struct {
	Coin       string                 `json:"coin"`
	Submission json.RawMessage        `json:"submission"`
	Options    map[string]interface{} `json:"options"`
}

// NotifyParams is the payload of mining.notify.
type NotifyParams struct {
	Coin       string          `json:"coin"`
	MiningInfo json.RawMessage `json:"miningInfo"`
}

// MinerInfo is the metadata a miner attaches to mining.subscribe.
type MinerInfo struct {
	ID      string
	Options map[string]interface{}
}

// minerID follows the "<host>/<minerName>" convention so an operator can
// address all connections of one rig.
func minerID(host string, options map[string]interface{}) string {
	name, _ := options["minerName"].(string)
	return fmt.Sprintf("%s/%s", host, name)
}

func invalidCoinsError(coins []string) string {
	return invalidCoinsPrefix + strings.Join(coins, ", ")
}

// parseInvalidCoins extracts the coin list from an "Invalid coins: " error.
func parseInvalidCoins(msg string) ([]string, bool) {
	if !strings.HasPrefix(msg, invalidCoinsPrefix) {
		return nil, false
	}
	var coins []string
	for _, c := range strings.Split(strings.TrimPrefix(msg, invalidCoinsPrefix), ",") {
		if c = strings.TrimSpace(c); c != "" {
			coins = append(coins, c)
		}
	}
	return coins, true
}

// subscribeParams builds the mining.subscribe params: the coins followed by
// the miner options object, if any.
func subscribeParams(coins []string, miner map[string]interface{}) []interface{} {
	params := make([]interface{}, 0, len(coins)+1)
	for _, c := range coins {
		params = append(params, c)
	}
	if len(miner) > 0 {
		params = append(params, miner)
	}
	return params
}

// parseSubscribeParams splits mining.subscribe params into coins and miner
// options. Anything but an array of strings plus at most one object is
// rejected, as is an array without coins.
func parseSubscribeParams(raw json.RawMessage) ([]string, map[string]interface{}, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, nil, fmt.Errorf("params are not a sequence: %w", err)
	}
	var coins []string
	var options map[string]interface{}
	for _, item := range items {
		var coin string
		if err := json.Unmarshal(item, &coin); err == nil {
			if coin == "" {
				return nil, nil, fmt.Errorf("empty coin identifier")
			}
			coins = append(coins, coin)
			continue
		}
		var obj map[string]interface{}
		if err := json.Unmarshal(item, &obj); err != nil || obj == nil || options != nil {
			return nil, nil, fmt.Errorf("unexpected subscribe param %s", item)
		}
		options = obj
	}
	if len(coins) == 0 {
		return nil, nil, fmt.Errorf("no coins requested")
	}
	return coins, options, nil
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
