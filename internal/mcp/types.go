package mcp

type emptyArgs struct{}

type upArgs struct {
	Version string `json:"version,omitempty" jsonschema:"Version to converge to. All pending migrations are applied when omitted."`
	Owner   string `json:"owner,omitempty" jsonschema:"Identity recorded on the claims. Defaults to the server's owner."`
}

type historyArgs struct {
	Search string `json:"search,omitempty" jsonschema:"Case-insensitive filter on version, description or owner."`
	Limit  int    `json:"limit,omitempty" jsonschema:"Return only the most recent records."`
}
