package search

// productsMapping is applied when the products index does not exist yet.
const productsMapping = `{
  "settings": {
    "number_of_shards": 1,
    "number_of_replicas": 0,
    "analysis": {
      "analyzer": {
        "product_text": {
          "type": "custom",
          "tokenizer": "standard",
          "filter": ["lowercase", "asciifolding", "english_stemmer"]
        },
        "autocomplete_analyzer": {
          "type": "custom",
          "tokenizer": "autocomplete_tokenizer",
          "filter": ["lowercase"]
        }
      },
      "tokenizer": {
        "autocomplete_tokenizer": {
          "type": "edge_ngram",
          "min_gram": 2,
          "max_gram": 20,
          "token_chars": ["letter", "digit"]
        }
      },
      "filter": {
        "english_stemmer": { "type": "stemmer", "language": "english" }
      }
    }
  },
  "mappings": {
    "properties": {
      "id":            { "type": "keyword" },
      "sku":           { "type": "keyword" },
      "slug":          { "type": "keyword" },
      "name":          { "type": "text", "analyzer": "product_text", "fields": { "keyword": { "type": "keyword", "ignore_above": 256 }, "autocomplete": { "type": "text", "analyzer": "autocomplete_analyzer", "search_analyzer": "standard" } } },
      "description":   { "type": "text", "analyzer": "product_text" },
      "price":         { "type": "long" },
      "currency":      { "type": "keyword" },
      "in_stock":      { "type": "boolean" },
      "stock":         { "type": "integer" },
      "category_id":   { "type": "keyword" },
      "category_name": { "type": "text", "analyzer": "product_text", "fields": { "keyword": { "type": "keyword" } } },
      "vendor_id":     { "type": "keyword" },
      "tags":          { "type": "keyword" },
      "image_url":     { "type": "keyword", "index": false },
      "rating":        { "type": "float" },
      "review_count":  { "type": "integer" },
      "popularity":    { "type": "float" },
      "status":        { "type": "keyword" },
      "created_at":    { "type": "date" },
      "updated_at":    { "type": "date" }
    }
  }
}`
