package library

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"
)

// listingSchema describes the only parts of the listing response we rely on.
// Everything else passes through untouched.
const listingSchema = `{
	"type": "object",
	"required": ["Result"],
	"properties": {
		"Result": {
			"type": "object",
			"required": ["Data"],
			"properties": {
				"Data": {
					"type": "array",
					"items": {"type": "object"}
				},
				"Total": {"type": ["integer", "null"]}
			}
		}
	}
}`

var compiledListingSchema = mustSchema(listingSchema)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("invalid listing schema: %v", err))
	}
	return schema
}

// decodeBatch validates a listing body and extracts the Result object
// byte-for-byte along with each record's due date.
func decodeBatch(body []byte) (*LoanBatch, error) {
	if !gjson.ValidBytes(body) {
		return nil, &DecodeError{Reason: "listing response is not valid JSON"}
	}

	res, err := compiledListingSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, &DecodeError{Reason: "listing schema validation", Err: err}
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, desc := range res.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, &DecodeError{Reason: "unexpected listing shape: " + strings.Join(msgs, "; ")}
	}

	result := gjson.GetBytes(body, "Result")
	batch := &LoanBatch{
		Result: []byte(result.Raw),
	}

	result.Get("Data").ForEach(func(_, item gjson.Result) bool {
		due := item.Get(DueDateField)
		batch.Records = append(batch.Records, LoanRecord{
			Index:      len(batch.Records),
			DueDate:    due.String(),
			HasDueDate: due.Type == gjson.String,
			Raw:        []byte(item.Raw),
		})
		return true
	})

	batch.Total = len(batch.Records)
	if total := result.Get("Total"); total.Type == gjson.Number {
		batch.Total = int(total.Int())
	}

	return batch, nil
}
