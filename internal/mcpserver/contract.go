package mcpserver

// RecordTypesReference describes the record types a node may hold, so LLM
// consumers can build RIDs for read_record and list_records.
const RecordTypesReference = `# Record Types

Every record is addressed by a RID of the form ` + "`" + `orn:<type>:<reference>` + "`" + `.

| Type | Reference | Contents |
|---|---|---|
| ` + "`" + `orn:koi-net.node` + "`" + ` | ` + "`" + `<name>+<uuid>` + "`" + ` | node profile: node_type, base_url, provides |
| ` + "`" + `orn:koi-net.edge` + "`" + ` | sha256 of ` + "`" + `source|target` + "`" + ` | source, target, edge_type, status, rid_types |
| ` + "`" + `orn:github.commit` + "`" + ` | ` + "`" + `<owner>/<repo>/<sha>` + "`" + ` | sha, message, author_name, author_email, html_url |
| ` + "`" + `orn:hackmd.note` + "`" + ` | note id | title, tags, content |
| ` + "`" + `orn:vault.note` + "`" + ` | vault-relative path | path, title, tags, links, body |

## Search

search_knowledge matches, in order:

1. a raw identifier (commit sha, note id, vault path), exactly as written;
2. a normalised keyword or tag, case-insensitively.

Keywords come from commit messages (words longer than three characters)
and note titles (words longer than two characters). Tags match whole.
`
