package stores

import "errors"

var errNoAPI = errors.New("no API client configured")

// IsNoAPI reports whether err came from a load attempted without a client.
func IsNoAPI(err error) bool { return errors.Is(err, errNoAPI) }
