package descriptor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// RevisionPrefix prefixes every revision string.
const RevisionPrefix = "sha256:"

type canonicalDescriptor struct {
	App                  App               `json:"app"`
	Environment          Environment       `json:"environment"`
	Components           []Effective       `json:"components"`
	EnvironmentVariables map[string]string `json:"environment_variables,omitempty"`
	Tags                 map[string]string `json:"tags,omitempty"`
}

// Revision returns the content-derived identifier of this descriptor version.
// Defaults are applied before hashing, so spelling out a default value does not
// produce a new revision.
func (d *Descriptor) Revision() string {
	c := canonicalDescriptor{
		App:                  d.App,
		Environment:          d.Environment,
		EnvironmentVariables: d.EnvironmentVariables,
		Tags:                 d.Tags,
	}
	for _, name := range ComponentNames {
		eff := d.Effective(name)
		if !eff.Enabled {
			// Settings of a disabled component do not affect what gets deployed.
			eff = Effective{Name: name}
		}
		c.Components = append(c.Components, eff)
	}

	// encoding/json sorts map keys, which makes the encoding canonical.
	data, err := json.Marshal(c)
	if err != nil {
		// NaN and infinite numbers have no JSON form. fmt also prints maps in
		// key order and spells those values out.
		data = []byte(fmt.Sprintf("%+v", c))
	}
	sum := sha256.Sum256(data)
	return RevisionPrefix + hex.EncodeToString(sum[:])
}

// ShortRevision returns the first twelve hex characters of a revision, used in
// image tags.
func ShortRevision(revision string) string {
	hexPart := strings.TrimPrefix(revision, RevisionPrefix)
	if len(hexPart) > 12 {
		return hexPart[:12]
	}
	return hexPart
}
