package ai

const ExtractPrompt = `
# Task Context
You are tasked with extracting **structured entity and relationship information** from a chunk of a larger document. Capture every entity and relationship explicitly present in the text.

# Background Data
- **Entity_types:** [%s]
- **Relationship_types:** [%s]

# Detailed Task Description & Rules
## Entity Extraction
1. Identify all entities whose type is one of [%s].
2. For each entity, extract:
   - **name:** the name exactly as written in the text (keep its original casing).
   - **type:** one of the provided entity types, written in upper case.
   - **aliases:** other names or abbreviations the text uses for the same entity. Empty if none.
   - **description:** everything the text states about the entity.

## Relationship Extraction
1. Determine all clear relationships between pairs of extracted entities.
2. For each relationship, extract:
   - **source:** name of the source entity, identical to an extracted entity name.
   - **target:** name of the target entity, identical to an extracted entity name.
   - **type:** %s
   - **description:** how and why the entities are related, based strictly on the text.
3. Never reference an entity in a relationship that is not in the entity list.

# Text
%s

# Output Formatting
Return a single valid JSON object with the arrays "entities" and "relationships".
Use empty arrays if nothing was found. Do not include any commentary outside of the JSON.
`

const ExtractFallbackPrompt = `
Your previous answer could not be parsed. Extract entities and relationships from the text below again.

Rules:
- Entity types must be one of: [%s].
- Relationship types: %s
- Relationship source and target must be names from your entity list.
- Output ONLY a JSON object of the form:
{"entities":[{"name":"","type":"","aliases":[],"description":""}],"relationships":[{"source":"","target":"","type":"","description":""}]}
- No markdown, no code fences, no explanations.

Text:
%s
`

const RelationshipTypesOpen = "a short upper-case verb phrase with underscores, e.g. WORKS_FOR"

const RelationshipTypesClosed = "one of [%s]"

const SchemaPromptFromDescription = `
# Task Context
You are an expert in graph schema extraction. The input is an existing schema description in any format (lists, tables, code or prose).

# Detailed Task Description & Rules
- Derive the generalized graph schema described by the input.
- Ignore markup, quotes, comments and other extra symbols.
- Return only the type names for nodes and for relationships, never attributes.
- Node types are upper-case nouns, relationship types are upper-case verb phrases joined with underscores.

# Input
%s
`

const SchemaPromptFromText = `
# Task Context
You are an expert in graph schema extraction. The input is example prose from the domain the graph will cover.

# Detailed Task Description & Rules
- Extract only the types of entities and relationships that appear in the prose.
- Never return actual entities such as names of people or specific organizations.
- Return only the type names for nodes and for relationships, never attributes.
- Node types are upper-case nouns, relationship types are upper-case verb phrases joined with underscores.

# Input
%s
`

const CommunityPrompt = `
# Task Context
You write reports about a community of closely connected entities in a knowledge graph.

# Background Data
Entities:
%s

Relationships:
%s

# Detailed Task Description & Rules
- Write a short title naming the community's main subject.
- Write a summary of what connects the entities, the key facts and the most important relationships.
- Use only the information provided. Do not speculate.

# Output Formatting
Return a JSON object with "title" and "summary".
`

const CommunityMergePrompt = `
# Task Context
You combine several partial reports about one community of a knowledge graph into a single report.

# Background Data
%s

# Detailed Task Description & Rules
- Merge the partial reports into one title and one summary.
- Keep every important fact, drop repetitions.
- Use only the information provided.

# Output Formatting
Return a JSON object with "title" and "summary".
`

const QueryPrompt = `
# Task Context
You are a helpful assistant that answers questions using only the data retrieved from a knowledge graph.

# Background Data
Each item starts with its citation marker, for example [[c:doc-3]] for a text chunk, [[e:ent_ab12]] for an entity or [[m:com_x]] for a community report.

%s

# Detailed Task Description & Rules
- Do not add any information that is not present in the data.
- Every factual statement must end with the citation markers of the items it is based on, exactly as written in the data, e.g. [[c:doc-3]] [[e:ent_ab12]].
- Never invent markers. Never put anything other than a marker from the data inside [[ ]].
- If the data contains contradictory statements, present all of them and say that they contradict each other.
- If the data does not answer the question, say that you don't know.

# Output Formatting
- Return only the answer, formatted in Markdown.
- Respond in the same language as the question.
`
