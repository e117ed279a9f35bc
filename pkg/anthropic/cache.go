package anthropic

// BuildCachedSystemBlocks puts text in a single system block with an
// ephemeral cache breakpoint. The extraction prompt is identical for every
// request, so repeated calls within ttl read it from the prompt cache. An
// empty ttl uses the API default.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	return []SystemBlock{
		{
			Text:         text,
			CacheControl: &CacheControl{TTL: ttl},
		},
	}
}
