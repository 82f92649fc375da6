package skills

// Entry is one skill definition from the manifest.
type Entry struct {
	Name     string   `yaml:"name"`
	File     string   `yaml:"file"`
	Priority int      `yaml:"priority"`
	Stages   []string `yaml:"stages"`
}

// Manifest lists every known skill.
type Manifest struct {
	Skills []Entry `yaml:"skills"`
}

// Skill is a loaded skill with its guidance text.
type Skill struct {
	Entry   Entry
	Content string
}
