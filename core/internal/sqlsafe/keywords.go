package sqlsafe

// reservedKeywords is the PostgreSQL reserved keyword set. Identifiers that
// collide with these are rejected even when they match the identifier pattern.
var reservedKeywords = map[string]struct{}{
	"all":               {},
	"analyse":           {},
	"analyze":           {},
	"and":               {},
	"any":               {},
	"array":             {},
	"as":                {},
	"asc":               {},
	"asymmetric":        {},
	"both":              {},
	"case":              {},
	"cast":              {},
	"check":             {},
	"collate":           {},
	"column":            {},
	"constraint":        {},
	"create":            {},
	"current_catalog":   {},
	"current_date":      {},
	"current_role":      {},
	"current_time":      {},
	"current_timestamp": {},
	"current_user":      {},
	"default":           {},
	"deferrable":        {},
	"delete":            {},
	"desc":              {},
	"distinct":          {},
	"do":                {},
	"drop":              {},
	"else":              {},
	"end":               {},
	"except":            {},
	"exec":              {},
	"execute":           {},
	"false":             {},
	"fetch":             {},
	"for":               {},
	"foreign":           {},
	"from":              {},
	"grant":             {},
	"group":             {},
	"having":            {},
	"in":                {},
	"initially":         {},
	"insert":            {},
	"intersect":         {},
	"into":              {},
	"lateral":           {},
	"leading":           {},
	"limit":             {},
	"localtime":         {},
	"localtimestamp":    {},
	"not":               {},
	"null":              {},
	"offset":            {},
	"on":                {},
	"only":              {},
	"or":                {},
	"order":             {},
	"placing":           {},
	"primary":           {},
	"references":        {},
	"returning":         {},
	"select":            {},
	"session_user":      {},
	"some":              {},
	"symmetric":         {},
	"table":             {},
	"then":              {},
	"to":                {},
	"trailing":          {},
	"true":              {},
	"truncate":          {},
	"union":             {},
	"unique":            {},
	"update":            {},
	"user":              {},
	"using":             {},
	"variadic":          {},
	"when":              {},
	"where":             {},
	"window":            {},
	"with":              {},
}

// IsReserved reports whether name is a reserved SQL keyword.
func IsReserved(name string) bool {
	_, ok := reservedKeywords[name]
	return ok
}
